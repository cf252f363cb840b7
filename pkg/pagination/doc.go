// Package pagination walks offset/limit row windows for itemized reports.
//
// The upstream service caps every response at a row limit, so an itemized
// day is read as a series of windows. The Walker emits keys strictly in
// seed order and every window of a key in offset order. To keep batch
// calls full it reads ahead: a wave holds the next window of the key
// being emitted plus the first windows of the keys after it, up to Width.
//
// Example usage:
//
//	walker, err := pagination.NewWalker(fetch, pagination.DefaultConfig())
//	for res, err := range walker.Walk(ctx, days) {
//		...
//	}
//
// The walker:
//   - Stops a key on a short or empty window
//   - Stops a key whose window failed (the failure is passed through in order)
//   - Ends the walk on an error that names no window
//   - Holds back first windows of at most Width-1 keys
package pagination
