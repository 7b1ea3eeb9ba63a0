package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Event file kinds. A queue entry moves through at most three names over its
// life: tmp while being written, pdq once visible, err when quarantined.
const (
	kindQueued = "pdq"
	kindTemp   = "tmp"
	kindError  = "err"

	nameSuffix = ".txt"
)

// encodeName builds the event file name KIND_TSMS_SVCKEY.txt. The millisecond
// timestamp is what makes lexicographic order equal enqueue order; ties are
// broken by the exclusive-create retry in Enqueue, which recomputes the
// timestamp on each attempt.
func encodeName(kind string, tsMillis int64, serviceKey string) string {
	return fmt.Sprintf("%s_%d_%s%s", kind, tsMillis, serviceKey, nameSuffix)
}

// decodeName splits an event file name into its kind, enqueue-time
// milliseconds, and service key. It returns ErrMalformedName when the
// three-field structure is violated or the timestamp is not a non-negative
// integer. The service key is returned verbatim.
func decodeName(name string) (kind string, tsMillis int64, serviceKey string, err error) {
	base := strings.TrimSuffix(name, nameSuffix)
	if base == name {
		return "", 0, "", fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	tsMillis, perr := strconv.ParseInt(parts[1], 10, 64)
	if perr != nil || tsMillis < 0 {
		return "", 0, "", fmt.Errorf("%w: bad timestamp in %q", ErrMalformedName, name)
	}
	if parts[2] == "" {
		return "", 0, "", fmt.Errorf("%w: empty service key in %q", ErrMalformedName, name)
	}
	return parts[0], tsMillis, parts[2], nil
}

// validServiceKey reports whether key can be embedded in an event file name.
// The key must be non-empty and must not contain the field separator, the
// extension dot, path separators, or control characters.
func validServiceKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r == '_' || r == '.' || r == '/' || r == '\\':
			return false
		case r < 0x20 || r == 0x7f:
			return false
		}
	}
	return true
}
