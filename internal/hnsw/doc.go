// Package hnsw implements Hierarchical Navigable Small World graphs.
//
// HNSW provides approximate nearest neighbor search with high recall and
// sub-linear query time. Nodes live in a segmented arena and are addressed by
// a uint32 slot; neighbor lists hold slots, never pointers. The owning table's
// row-id maps to the slot that currently represents it.
//
// # Concurrency
//
//   - Each node carries an RWMutex guarding its neighbor lists. Vectors are
//     immutable once published, so distance evaluation takes no locks.
//   - A structure lock guards the entry point and the top layer. Inserts take
//     it exclusively only when they promote the entry point.
//   - Searches only take shared locks and check their context every few
//     candidate pops.
//   - Compact rebuilds the graph from live nodes behind a writer gate and
//     swaps it in atomically; in-flight searches keep the old generation.
//
// # Deletes
//
// Delete tombstones a node. Tombstoned nodes stay in the graph and are still
// traversed, but never returned, until Compact drops them.
//
// # Parameters
//
//   - M: Max connections per node above layer 0 (default: 16); layer 0 holds 2*M
//   - EFConstruction: Build candidate list size (default: 200)
//   - EF: Search candidate list size (default: 50), raised to k when smaller
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
