package ubisys

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyInProgress means another calibration holds the device lock.
var ErrAlreadyInProgress = errors.New("calibration already in progress")

// AdmissionError rejects a run before any device interaction: wrong device
// category, unparseable covering kind, or a held lock.
type AdmissionError struct {
	IEEE   string
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s not admitted: %s: %v", e.IEEE, e.Reason, e.Err)
	}
	return fmt.Sprintf("device %s not admitted: %s", e.IEEE, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// CommunicationError wraps a transport failure during a read, write or
// command. It is never retried outside the stall detector's polling loop.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// Mismatch records one attribute whose read-back did not equal the value
// just written.
type Mismatch struct {
	Attr Attribute
	Want uint64
	Got  uint64
}

// VerificationError means a write's read-back did not match intent, after
// any rollback attempt. It names every mismatched attribute.
type VerificationError struct {
	Mismatches []Mismatch
}

func (e *VerificationError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = fmt.Sprintf("%s: wrote %d, read back %d", m.Attr.Name, m.Want, m.Got)
	}
	return "write verification failed: " + strings.Join(parts, "; ")
}

// StallTimeoutError means the motor never reported idle within the wait
// budget.
type StallTimeoutError struct {
	Elapsed time.Duration
	Budget  time.Duration
}

func (e *StallTimeoutError) Error() string {
	return fmt.Sprintf("stall not detected within %s (waited %s)", e.Budget, e.Elapsed.Round(time.Millisecond))
}

// MeasurementError means a step count came back as the sentinel or zero
// even though every phase nominally completed.
type MeasurementError struct {
	Attr  Attribute
	Value uint64
}

func (e *MeasurementError) Error() string {
	if e.Value == e.Attr.Sentinel() {
		return fmt.Sprintf("%s read back as the not-calibrated sentinel", e.Attr.Name)
	}
	return fmt.Sprintf("%s read back as %d, expected a positive step count", e.Attr.Name, e.Value)
}

// PhaseError attaches the failing calibration phase to an error.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %q: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
