/*
Package catalog is the durable record of folders, files, segments,
shares and download sessions.

	┌────────────────── BOLTSTORE ──────────────────┐
	│ users | folders | files / files_by_folder      │
	│ segments / segments_by_id | sessions            │
	│ shares / shares_by_message_id                   │
	└──────────────────────────────────────────────────┘

Every bucket holds JSON-encoded records under the key layout described
in each accessor. Segments key on (file_id, segment_index,
redundancy_index) in big-endian byte order, so a prefix scan over
file_id returns segments ready-sorted without a secondary index.
BatchUpsertSegments rides bbolt's opportunistic batching to meet the
high-throughput bulk-insertion requirement; StartMaintenance runs a
ticker loop that reaps stale sessions and refreshes the metrics exposed
by CountByState, each in its own bounded transaction.
*/
package catalog
