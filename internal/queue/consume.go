package queue

import "fmt"

// ConsumeCode is the outcome a Consumer reports for one event. It drives the
// flush state machine: whether the event file is removed, kept, quarantined,
// or whether its service key is throttled.
type ConsumeCode int

const (
	// Consumed means the event was delivered; the queue removes its file.
	Consumed ConsumeCode = iota + 1

	// NotConsumed means a transient failure; the event stays in the queue
	// for the next flush and no backoff is recorded.
	NotConsumed

	// StopAll aborts the flush immediately. The current event is left in
	// place and no further events are dispatched.
	StopAll

	// BadEntry marks the event as poison; the queue quarantines it by
	// renaming pdq_* to err_*.
	BadEntry

	// BackoffSvcKeyNotConsumed throttles the event's service key and keeps
	// the event for a later flush.
	BackoffSvcKeyNotConsumed

	// BackoffSvcKeyBadEntry throttles the event's service key; if the key
	// has reached its maximum attempts, the event is quarantined and the
	// key's remaining events become eligible again within the same flush.
	BackoffSvcKeyBadEntry
)

// String returns the code's name for logs.
func (c ConsumeCode) String() string {
	switch c {
	case Consumed:
		return "consumed"
	case NotConsumed:
		return "not-consumed"
	case StopAll:
		return "stop-all"
	case BadEntry:
		return "bad-entry"
	case BackoffSvcKeyNotConsumed:
		return "backoff-svckey-not-consumed"
	case BackoffSvcKeyBadEntry:
		return "backoff-svckey-bad-entry"
	}
	return fmt.Sprintf("ConsumeCode(%d)", int(c))
}

// Consumer handles one dequeued event. Consume receives the raw payload and
// the event ID (the pdq basename) and returns a ConsumeCode. It may perform
// I/O and block; the queue calls it serially while holding the dequeue lock.
type Consumer interface {
	Consume(payload []byte, eventID string) ConsumeCode
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(payload []byte, eventID string) ConsumeCode

// Consume implements Consumer.
func (f ConsumerFunc) Consume(payload []byte, eventID string) ConsumeCode {
	return f(payload, eventID)
}
