// Package downloader drives a session through fetching -> completed: a
// bounded worker pool retrieves each file's segments in order, falling
// back across redundancy copies on failure, decrypts and decompresses
// them, verifies the file's content hash, and writes it under the
// session's destination path. See pkg/resolver for how a session's
// manifest and session key are obtained in the first place.
package downloader
