// Package limits provides centralized size constants and validation functions
// for the chat DAG, the sealed payloads and the message envelopes.
//
// # Size Hierarchy
//
//   - FragmentSize (1000 bytes): the largest raw content fragment stored in the DAG.
//   - FanOut (40): the number of fragment hashes one FragmentList may bundle.
//   - MaxTextPayload (64KB) and MaxPicturePayload (16MB): plaintext limits per payload kind.
//   - SealedOverhead (40 bytes): nonce plus Poly1305 tag added by sealing.
//   - MaxDagBlocks and MaxChainWalk: traversal bounds used when walking untrusted links.
//
// # Validation Functions
//
//	if err := limits.ValidateTextPayload(text); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// The traversal bounds are the defence against malicious DAGs: a reassembly that would
// visit more than MaxDagBlocks blocks is rejected even when it contains no cycle.
package limits
