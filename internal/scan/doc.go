// Package scan holds the domain model of the scanner: records, findings, the
// lifecycle state machine, target normalization, and the interfaces the
// queue, store, fetcher and dispatcher are written against.
//
// A record moves through
//
//	queued -> running -> completed
//	queued -> running -> failed
//	queued -> canceled
//
// and never leaves a terminal state.
package scan
