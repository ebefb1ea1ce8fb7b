// Package dag implements the content-addressed DAG that carries chat payloads.
//
// A sealed payload is split into fragments of at most limits.FragmentSize bytes. Fragments
// are stored as raw bytes addressed by the BLAKE3-256 hash of those bytes. They are threaded
// together by small link blocks:
//
//   - Node: at most one Horizontal hash (the fragment, or FragmentList, at this position) and
//     at most one Vertical hash (the next Node of the chain).
//   - FragmentList: up to limits.FanOut fragment hashes, so a picture's many fragments cost
//     one link per forty fragments instead of one per fragment.
//
// Every block, including Nodes and FragmentLists, is addressed by the hash of its own
// canonical encoding. One hash function is used for everything.
//
// # Chunking
//
//	res, err := dag.NewChunker().ChunkText(sealed)
//	// res.Root addresses the first Node, res.Blocks holds every block to store
//
//	res, err := dag.NewChunker().ChunkPicture(file)
//
// Chunkers are pure; storing the returned blocks is the caller's job so that a payload is
// written as one unit.
//
// # Reassembly
//
//	sealed, err := dag.Reassemble(ctx, getter, dag.LayoutLinear, root)
//
// Reassembly verifies every fetched block against its address, refuses to visit a link
// block twice and stops after limits.MaxDagBlocks blocks, so a hostile store can neither
// substitute data nor make the walk loop.
package dag
