// Package queue implements the disk-backed spool for submission tasks.
// Each pipeline (HandlerKey) owns one queue: an append-only sequence of
// length-prefixed records spread over rolling segment files, with a sidecar
// cursor marking the current head. The head task is always re-attempted
// first after a restart, which gives at-least-once delivery.
package queue

import (
	"time"
)

// Reason records why a task was spooled instead of delivered directly.
type Reason string

const (
	ReasonRateLimit     Reason = "RATE_LIMIT"
	ReasonBufferSize    Reason = "BUFFER_SIZE"
	ReasonProxyShutdown Reason = "PROXY_SHUTDOWN"
	ReasonServerError   Reason = "SERVER_ERROR"
)

// Stats describes the on-disk state of a queue.
type Stats struct {
	Tasks      int
	Bytes      int64
	OldestTask time.Time
}

// TaskQueue is the spool contract. Records are opaque serialized submission
// tasks; the queue never inspects payloads.
type TaskQueue interface {
	// Add enqueues one record. O(1); data is fsynced on batch boundaries,
	// not on every call.
	Add(record []byte) error

	// Peek returns the head record without removing it, or nil when the
	// queue is empty.
	Peek() ([]byte, error)

	// Remove pops the head record.
	Remove() error

	// Size returns the exact number of queued records.
	Size() int

	// Stats returns on-disk size and oldest-record age.
	Stats() Stats

	// Clear drops all queued records and counts them as lost.
	Clear() error

	Close() error
}
