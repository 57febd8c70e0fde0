// Package engine ties the catalog, row store, vector indexes, write-ahead log,
// change bus and embedding hook into one process-wide database.
//
// Data directory layout:
//
//	wal/segment-<seq>.log
//	rows/<table_id>.sst
//	indexes/<table_id>-<column>.hnsw
//	catalog.toml
//	CHECKPOINT
//
// Every mutation is appended to the WAL before it is applied in memory. A
// checkpoint writes row and index snapshots plus the catalog, then publishes
// the covered LSN through the CHECKPOINT pointer and drops the WAL segments
// it covers. Open loads the last checkpoint and replays the WAL tail.
//
// Replay is idempotent, so a crash between writing snapshot files and the
// pointer only costs replay time.
package engine
