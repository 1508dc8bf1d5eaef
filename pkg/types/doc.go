/*
Package types defines the core data structures shared across shardkeep:
User, Folder, File, Segment, Share and Session, plus the Server record
describing one configured transport endpoint.

These are plain structs with JSON tags; the Catalog stores them verbatim
as JSON values, so field order here is also the order the Publisher's
deterministic index serialization depends on.
*/
package types
