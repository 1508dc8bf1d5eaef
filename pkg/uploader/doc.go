/*
Package uploader drains a folder's indexed files through a bounded worker
pool. Each worker performs the strict per-segment sequence
read -> hash -> compress -> encrypt -> frame -> post -> commit, recording
the segment as posting before the network call and posted only after the
Transport confirms a message_id, so a crash mid-post never leaves a
torn row.
*/
package uploader
