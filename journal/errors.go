package journal

import "github.com/pkg/errors"

// CorruptionError reports structural corruption: a hash-valid transaction
// that nonetheless violates an invariant the format depends on. It names
// the journal, the offending transaction id, and the specific invariant
// so the outer store can refuse to open with a message that points at
// the exact defect.
type CorruptionError struct {
	Journal       string
	TransactionId int64
	Invariant     string
	Cause         error
}

func (e *CorruptionError) Error() string {
	msg := "journal " + e.Journal + ": transaction " + itoa(e.TransactionId) + " violates invariant: " + e.Invariant
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func newCorruption(journal string, txID int64, invariant string, cause error) error {
	return &CorruptionError{Journal: journal, TransactionId: txID, Invariant: invariant, Cause: cause}
}

// itoa avoids pulling in strconv solely for error formatting in the hot
// validation path; corruption is rare enough that this is not performance
// sensitive, but keeping it allocation-light matches the diff applier's
// and the validator's general "no surprises on the happy path" posture.
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ErrOutOfRangePageSize reports a configured or observed page size that is
// not a power-of-two multiple of 4096, which every cursor/page arithmetic
// routine in this package assumes.
var ErrOutOfRangePageSize = errors.New("journal: page size must be a power-of-two multiple of 4096")
