// Package fs abstracts the filesystem under the data directory.
//
// Durable components (WAL, checkpoint writer, catalog) take a [FileSystem]
// rather than calling os directly so tests can swap in [FaultyFS] and make
// writes, syncs or renames fail at a chosen point.
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("segment-", fs.Fault{FailOnSync: true})
package fs
