package queue

import "log/slog"

// Snapshot is a best-effort, point-in-time view of the queue used by the
// phone-home reporter and the status endpoint. It is assembled without the
// dequeue lock, so a concurrent flush may make it momentarily inconsistent.
type Snapshot struct {
	// Aggregate maps event kind (pdq, tmp, err) to total file count.
	Aggregate map[string]int `json:"aggregate,omitempty"`

	// ByServiceKey maps service key to per-kind counts. Populated only
	// when the snapshot was requested unaggregated.
	ByServiceKey map[string]map[string]int `json:"by_service_key,omitempty"`

	// Throttle is the current backoff document, when requested.
	Throttle *BackoffDocument `json:"throttle,omitempty"`
}

// PendingCounts returns the number of live (pdq_*) events per service key.
func (q *Queue) PendingCounts() (map[string]int, error) {
	names, err := q.queuedFiles(kindQueued + "_")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, name := range names {
		_, _, svcKey, derr := decodeName(name)
		if derr != nil {
			q.logger.Warn("queue: status skipping undecodable entry",
				slog.String("name", name))
			continue
		}
		counts[svcKey]++
	}
	return counts, nil
}

// Status reports file counts across all kinds. With aggregated false the
// per-service-key breakdown is included; with throttleInfo true the current
// backoff document is attached (read lock-free; a read failure is logged and
// the throttle section omitted).
func (q *Queue) Status(throttleInfo, aggregated bool) (Snapshot, error) {
	snap := Snapshot{Aggregate: make(map[string]int)}
	if !aggregated {
		snap.ByServiceKey = make(map[string]map[string]int)
	}

	for _, kind := range []string{kindQueued, kindTemp, kindError} {
		names, err := q.queuedFiles(kind + "_")
		if err != nil {
			return Snapshot{}, err
		}
		snap.Aggregate[kind] = len(names)
		if aggregated {
			continue
		}
		for _, name := range names {
			_, _, svcKey, derr := decodeName(name)
			if derr != nil {
				q.logger.Warn("queue: status skipping undecodable entry",
					slog.String("name", name))
				continue
			}
			byKind := snap.ByServiceKey[svcKey]
			if byKind == nil {
				byKind = make(map[string]int)
				snap.ByServiceKey[svcKey] = byKind
			}
			byKind[kind]++
		}
	}

	if throttleInfo {
		doc := newBackoffDocument()
		ok, err := q.backoff.Get(doc)
		if err != nil {
			q.logger.Warn("queue: status unable to read backoff history",
				slog.Any("error", err))
		} else if ok {
			snap.Throttle = doc
		}
	}
	return snap, nil
}
