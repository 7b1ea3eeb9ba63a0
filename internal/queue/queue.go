// Package queue implements the durable, directory-backed event spool at the
// core of the agent. Each event is one file in the queue directory; file
// names encode the event kind, enqueue time, and destination service key so
// that a lexicographic sort of the names is queue order.
//
// # Concurrency
//
// The spool is designed for many OS processes enqueuing concurrently while
// at most one actor dequeues at a time:
//
//   - Concurrent enqueues coordinate only through the filesystem's exclusive
//     create and atomic rename; they never take the dequeue lock.
//   - Dequeues are serialised by an exclusive file lock held for the entire
//     flush, including every consume callback.
//   - Enqueue never blocks dequeue and dequeue never blocks enqueue.
//
// # Delivery semantics
//
// The contract is at-least-once: an event file is removed only after the
// consume callback reports success, so a crash between delivery and removal
// may duplicate an event on the next flush.
//
// # Backoff
//
// Failing service keys are throttled with an exponential backoff schedule
// persisted across restarts in a single JSON document under the state
// directory. Events whose key is throttled are skipped without invoking the
// consume callback; poison events are quarantined by renaming pdq_* to err_*
// so they leave the live queue without being lost.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/higginsd/pdagent/internal/lock"
	"github.com/higginsd/pdagent/internal/store"
)

// Sentinel errors surfaced to callers. Everything else is logged and
// absorbed so the agent keeps running.
var (
	// ErrEmptyQueue is returned by Dequeue and Flush when no pdq_* files
	// exist; a periodic tick logs it as "nothing to do".
	ErrEmptyQueue = errors.New("queue: no events pending")

	// ErrCongested is returned by Enqueue after 100 consecutive name
	// collisions.
	ErrCongested = errors.New("queue: too many enqueue name collisions")

	// ErrMalformedName is returned when an event file name does not decode.
	ErrMalformedName = errors.New("queue: malformed event file name")

	// ErrInvalidConsumeCode is returned when a Consumer reports a code the
	// queue does not know. It indicates a programming error in the
	// consumer; the flush is failed after the lock is released.
	ErrInvalidConsumeCode = errors.New("queue: invalid consume code")
)

const (
	// enqueueMaxRetries bounds the exclusive-create retry loop.
	enqueueMaxRetries = 100

	// enqueueRetrySleep is the pause between name-collision retries; long
	// enough for the millisecond timestamp to advance.
	enqueueRetrySleep = time.Millisecond

	// lockFileName is the dequeue lock file inside the queue directory.
	lockFileName = "dequeue.lock"

	// backoffDocName is the backoff document inside the state directory.
	backoffDocName = "backoff"
)

// Locker serialises dequeues. Acquire blocks until the exclusive lock is
// held; Release must be callable on every exit path.
type Locker interface {
	Acquire() error
	Release() error
}

// Config carries the directories and backoff schedule for a Queue.
type Config struct {
	// QueueDir is the spool directory holding one file per event. It must
	// be readable and writable by the agent.
	QueueDir string

	// StateDir holds the backoff document. It must be readable and
	// writable by the agent.
	StateDir string

	// BackoffInitialDelaySec is the first retry delay for a failing
	// service key, in seconds.
	BackoffInitialDelaySec int

	// BackoffFactor multiplies the delay on each consecutive failure.
	BackoffFactor int

	// BackoffMaxAttempts is the attempt count at which a
	// BackoffSvcKeyBadEntry event is quarantined instead of retried.
	BackoffMaxAttempts int
}

// Queue is a multi-writer, single-reader directory-backed event spool.
// Enqueue is safe to call from any number of goroutines and processes;
// Dequeue, Flush, and Cleanup may run concurrently with enqueuers.
type Queue struct {
	cfg     Config
	logger  *slog.Logger
	locker  Locker
	backoff *store.JSONStore
	metrics *Metrics

	// now is the wall clock; replaced in tests.
	now func() time.Time
}

// Option customises Queue construction.
type Option func(*Queue)

// WithLocker replaces the default flock-based dequeue lock.
func WithLocker(l Locker) Option {
	return func(q *Queue) { q.locker = l }
}

// WithMetrics wires Prometheus instrumentation into the queue.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock replaces the wall clock used for event timestamps and backoff
// arithmetic.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue over cfg.QueueDir with backoff state under
// cfg.StateDir. It fails if either directory is missing or not
// readable/writable by the agent.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Queue, error) {
	for _, dir := range []string{cfg.QueueDir, cfg.StateDir} {
		if err := verifyDirAccess(dir); err != nil {
			return nil, err
		}
	}

	q := &Queue{
		cfg:     cfg,
		logger:  logger,
		backoff: store.New(cfg.StateDir, backoffDocName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.locker == nil {
		q.locker = lock.New(filepath.Join(cfg.QueueDir, lockFileName))
	}
	return q, nil
}

// verifyDirAccess checks that dir exists and is readable and writable.
func verifyDirAccess(dir string) error {
	if _, err := os.ReadDir(dir); err != nil {
		return fmt.Errorf("queue: directory %q not readable: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".access-*")
	if err != nil {
		return fmt.Errorf("queue: directory %q not writable: %w", dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// ── enqueue ──────────────────────────────────────────────────────────────────

// Enqueue atomically writes one event for serviceKey into the spool and
// returns the visible pdq basename. It is crash-safe: a crash mid-enqueue
// leaves at most a tmp_* file (reaped later by Cleanup) and an empty pdq_*
// reservation, never a torn payload under a live name.
//
// Enqueue coordinates with concurrent enqueuers only through exclusive file
// creation; it never takes the dequeue lock.
func (q *Queue) Enqueue(serviceKey string, payload []byte) (string, error) {
	if !validServiceKey(serviceKey) {
		return "", fmt.Errorf("queue: invalid service key %q", serviceKey)
	}

	// Write the payload to an exclusively created temp file and force it
	// to stable storage before it can become visible.
	_, tmpPath, tmpFile, err := q.openCreateExclWithRetry(kindTemp, serviceKey)
	if err != nil {
		return "", err
	}
	if _, err := tmpFile.Write(payload); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("queue: write %q: %w", tmpPath, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("queue: sync %q: %w", tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("queue: close %q: %w", tmpPath, err)
	}

	// Reserve the visible queue-entry name. Holding both exclusive names
	// makes the rename below race-free; closing the reservation handle
	// before the rename is fine because the name itself is the
	// reservation.
	pdqName, pdqPath, pdqFile, err := q.openCreateExclWithRetry(kindQueued, serviceKey)
	if err != nil {
		return "", err
	}
	pdqFile.Close()

	if err := os.Rename(tmpPath, pdqPath); err != nil {
		return "", fmt.Errorf("queue: rename %q onto %q: %w", tmpPath, pdqPath, err)
	}

	q.metricEnqueued()
	return pdqName, nil
}

// openCreateExclWithRetry exclusively creates a kind_TSMS_SVCKEY.txt file
// using the current wall-clock milliseconds. On a name collision it sleeps
// one millisecond, recomputes the timestamp, and retries; after 100
// consecutive collisions it fails with ErrCongested.
func (q *Queue) openCreateExclWithRetry(kind, serviceKey string) (name, path string, f *os.File, err error) {
	for attempt := 0; attempt < enqueueMaxRetries; attempt++ {
		name = encodeName(kind, q.now().UnixMilli(), serviceKey)
		path = filepath.Join(q.cfg.QueueDir, name)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return name, path, f, nil
		}
		if !os.IsExist(err) {
			return "", "", nil, fmt.Errorf("queue: create %q: %w", path, err)
		}
		time.Sleep(enqueueRetrySleep)
	}
	return "", "", nil, fmt.Errorf("%w (last attempted name: %s)", ErrCongested, name)
}

// ── dequeue / flush ──────────────────────────────────────────────────────────

// Dequeue dispatches only the first queued event to c. It returns
// ErrEmptyQueue when nothing is queued.
func (q *Queue) Dequeue(c Consumer) error {
	return q.process(true, c, nil)
}

// Flush dispatches every eligible queued event to c in enqueue order.
// stopHint, when non-nil, is polled between entries; returning true cuts the
// flush short as if the consumer had returned StopAll. It returns
// ErrEmptyQueue when nothing is queued.
func (q *Queue) Flush(c Consumer, stopHint func() bool) error {
	return q.process(false, c, stopHint)
}

// process is the flush engine. It holds the dequeue lock for the entire
// call, loads the backoff document, walks the queued files in FIFO order,
// dispatches each eligible payload to c, applies the resulting ConsumeCode,
// and persists the updated backoff document before releasing the lock.
func (q *Queue) process(firstOnly bool, c Consumer, stopHint func() bool) error {
	if err := q.locker.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := q.locker.Release(); err != nil {
			q.logger.Warn("queue: failed to release dequeue lock", slog.Any("error", err))
		}
	}()

	doc := newBackoffDocument()
	if _, err := q.backoff.Get(doc); err != nil {
		q.logger.Warn("queue: unable to load backoff history, assuming empty",
			slog.Any("error", err))
		doc = newBackoffDocument()
	}

	names, err := q.queuedFiles(kindQueued + "_")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return ErrEmptyQueue
	}
	if firstOnly {
		names = names[:1]
	}
	q.metricFlush()

	// Service keys blocked for the remainder of this flush.
	errSvcKeys := make(map[string]struct{})

	var procErr error
loop:
	for i, name := range names {
		if i > 0 && stopHint != nil && stopHint() {
			q.logger.Info("queue: flush stopped early")
			break
		}

		_, _, svcKey, derr := decodeName(name)
		if derr != nil {
			q.logger.Warn("queue: skipping undecodable entry", slog.String("name", name))
			continue
		}

		// Skip if throttled: either the key already failed during this
		// flush, or its persisted retry instant is still in the future.
		if _, blocked := errSvcKeys[svcKey]; blocked {
			continue
		}
		if doc.NextRetries[svcKey] >= q.now().Unix() {
			continue
		}

		path := filepath.Join(q.cfg.QueueDir, name)
		payload, rerr := os.ReadFile(path)
		if rerr != nil {
			// Abandon this entry for a later flush.
			q.logger.Warn("queue: cannot read entry",
				slog.String("name", name), slog.Any("error", rerr))
			continue
		}

		code := c.Consume(payload, name)
		switch code {
		case Consumed:
			// A crash between the consumer's success and this remove is
			// the source of the at-least-once guarantee.
			if err := os.Remove(path); err != nil {
				q.logger.Warn("queue: cannot remove consumed entry",
					slog.String("name", name), slog.Any("error", err))
			} else {
				q.metricConsumed()
			}

		case NotConsumed:
			// Transient failure; leave for the next flush.

		case StopAll:
			break loop

		case BadEntry:
			q.quarantine(name)

		case BackoffSvcKeyNotConsumed, BackoffSvcKeyBadEntry:
			q.handleBackoff(code, svcKey, name, doc, errSvcKeys)

		default:
			procErr = fmt.Errorf("%w: %d for entry %s", ErrInvalidConsumeCode, int(code), name)
			break loop
		}
	}

	// An invalid consume code fails the flush without persisting partial
	// backoff updates.
	if procErr != nil {
		return procErr
	}

	if err := q.backoff.Set(doc); err != nil {
		q.logger.Warn("queue: unable to save backoff history", slog.Any("error", err))
	}
	return nil
}

// handleBackoff records a failed dispatch for svcKey and blocks the key for
// the rest of the flush. When the attempt count reaches the configured
// maximum and the consumer reported the bad-entry variant, the offending
// event is quarantined and the key is unblocked so its remaining events get
// a chance within the same flush.
func (q *Queue) handleBackoff(code ConsumeCode, svcKey, name string, doc *BackoffDocument, errSvcKeys map[string]struct{}) {
	errSvcKeys[svcKey] = struct{}{}

	cur := doc.Attempts[svcKey] + 1
	if cur >= q.cfg.BackoffMaxAttempts && code == BackoffSvcKeyBadEntry {
		q.quarantine(name)
		delete(errSvcKeys, svcKey)
	}
	// The not-consumed variant keeps the event and keeps backing off past
	// the threshold, pushing next_retries further out on every flush.

	if _, blocked := errSvcKeys[svcKey]; blocked {
		doc.NextRetries[svcKey] = q.now().Unix() +
			backoffDelaySec(q.cfg.BackoffInitialDelaySec, q.cfg.BackoffFactor, cur)
		doc.Attempts[svcKey] = cur
		q.metricBackoffBump()
	}
}

// quarantine renames a pdq_* entry to err_* with the same timestamp and
// service key, removing it from the live queue without losing it. Failures
// are logged and absorbed; the entry is retried on a later flush.
func (q *Queue) quarantine(name string) {
	errName := strings.Replace(name, kindQueued+"_", kindError+"_", 1)
	q.logger.Info("queue: quarantining bad entry",
		slog.String("from", name), slog.String("to", errName))
	if err := os.Rename(filepath.Join(q.cfg.QueueDir, name), filepath.Join(q.cfg.QueueDir, errName)); err != nil {
		q.logger.Warn("queue: cannot quarantine entry",
			slog.String("name", name), slog.Any("error", err))
		return
	}
	q.metricQuarantined()
}

// queuedFiles returns the basenames in the queue directory with the given
// prefix, sorted lexicographically (= enqueue order).
func (q *Queue) queuedFiles(prefix string) ([]string, error) {
	entries, err := os.ReadDir(q.cfg.QueueDir)
	if err != nil {
		return nil, fmt.Errorf("queue: list %q: %w", q.cfg.QueueDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
