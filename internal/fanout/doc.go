// Package fanout delivers one notification to many recipients.
//
// Coordinator.Dispatch validates and persists a record synchronously, then
// hands the rest to a bounded background pool: recipients are resolved,
// split into fixed-size batches, and each batch runs every channel
// dispatcher in parallel. Batch results are folded into one Tally and
// written back onto the record exactly once.
package fanout
