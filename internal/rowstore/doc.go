// Package rowstore keeps table rows in memory, addressed by row-id, with a
// secondary primary-key mapping and a tombstone set of deleted row-ids.
//
// Rows are held in the encoded form produced by EncodeRow so that readers
// decode only the columns they project. A table checkpoints to a single
// SST file of (optionally compressed) blocks followed by its tombstones.
package rowstore
