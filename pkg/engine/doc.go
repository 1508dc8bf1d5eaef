/*
Package engine implements the collaborator-facing API: a single
orchestration facade wired once at process startup, holding the Catalog,
the Transport registry and the event Broker, with one method per
operation exposed to the CLI.

# Architecture

	┌────────────────────────── ENGINE ──────────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐          │
	│  │                cmd/shardkeep                 │          │
	│  │  - cobra commands call Engine in-process      │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │                 Engine                        │          │
	│  │  - indexes folders, derives folder keys        │          │
	│  │  - drives Uploader/Publisher on publish         │          │
	│  │  - drives Resolver/Downloader on download       │          │
	│  └───┬────────────┬────────────┬────────────┬────┘          │
	│      │            │            │            │                │
	│  ┌───▼───┐   ┌────▼────┐  ┌────▼────┐  ┌────▼────┐         │
	│  │Catalog│   │Transport│  │ Broker  │  │ metrics │         │
	│  │(bbolt)│   │(NNTP-ish│  │(events) │  │(promhttp│         │
	│  └───────┘   │registry)│  └─────────┘  └─────────┘         │
	│              └─────────┘                                    │
	└──────────────────────────────────────────────────────────────┘

A folder's signing private key never lives unwrapped in the Catalog: it
is wrapped under a key derived from its owner's user_id the moment
CreateFolder generates it, and unwrapped only in-process, for the
duration of one Publish call, by deriving the same key again from
owner_id + folder_id. The folder's segment-encryption session key is
never stored at all — Publish re-derives it from the unwrapped private
key, so every publish of the same folder's files decrypts the same
already-posted segments regardless of how many times it is called.

No RPC/IDL layer wraps Engine: cmd/shardkeep calls it directly, which is
what makes "synchronous from the caller's perspective with cancellation
via a caller-held handle" true by construction.
*/
package engine
