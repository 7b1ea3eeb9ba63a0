package queue

// BackoffDocument is the persisted per-service-key backoff state. It is the
// single source of truth for throttling and is rewritten atomically at the
// end of every flush.
//
// A key present in NextRetries also appears in Attempts with a count of at
// least one; a key absent from both maps is healthy. There is no explicit
// reset on success: a key whose NextRetries instant has drifted into the
// past is simply eligible again.
type BackoffDocument struct {
	// Attempts counts consecutive failed dispatch attempts per service key.
	Attempts map[string]int `json:"attempts"`

	// NextRetries maps a service key to the Unix-seconds instant before
	// which no event for that key may be dispatched.
	NextRetries map[string]int64 `json:"next_retries"`
}

// newBackoffDocument returns an empty document with both maps allocated.
func newBackoffDocument() *BackoffDocument {
	return &BackoffDocument{
		Attempts:    make(map[string]int),
		NextRetries: make(map[string]int64),
	}
}

// backoffDelaySec returns the backoff delay in seconds for the given attempt count:
// initial * factor^(attempt-1).
func backoffDelaySec(initialDelaySec, factor, attempt int) int64 {
	d := int64(initialDelaySec)
	for i := 1; i < attempt; i++ {
		d *= int64(factor)
	}
	return d
}
