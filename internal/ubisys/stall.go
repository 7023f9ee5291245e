package ubisys

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ubisys-bridge/internal/zcl"
)

// StallDetector polls OperationalStatus until the motor reports no active
// bits. Position attributes are not consulted: the device does not update
// them in calibration mode, only the activity status field is live.
type StallDetector struct {
	channel         Channel
	logger          *slog.Logger
	PollInterval    time.Duration
	MaxWait         time.Duration
	MaxReadFailures int
}

// NewStallDetector creates a detector with the default timing budget.
func NewStallDetector(channel Channel, logger *slog.Logger) *StallDetector {
	return &StallDetector{
		channel:         channel,
		logger:          logger.With("component", "stall_detector"),
		PollInterval:    DefaultPollInterval,
		MaxWait:         DefaultMaxWait,
		MaxReadFailures: DefaultMaxReadFailures,
	}
}

// WaitForStall blocks until OperationalStatus reads exactly zero, then
// returns the elapsed time. A failed read is retried up to
// MaxReadFailures consecutive times before escalating to a
// CommunicationError; it is never coerced into "stalled", because a zero
// reading is a legitimate signal and absence of data is not.
func (d *StallDetector) WaitForStall(ctx context.Context, ieee string, endpoint uint8) (time.Duration, error) {
	start := time.Now()
	deadline := start.Add(d.MaxWait)
	consecutiveFailures := 0

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		// Wait a full interval before each read, including the first: the
		// status bits can lag command acceptance, and an immediate read of
		// zero would be mistaken for a stall that has not started yet.
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-ticker.C:
		}

		status, err := d.readStatus(ctx, ieee, endpoint)
		if err != nil {
			consecutiveFailures++
			d.logger.Warn("status read failed", "ieee", ieee, "failures", consecutiveFailures, "err", err)
			if consecutiveFailures >= d.MaxReadFailures {
				return time.Since(start), &CommunicationError{
					Op:  fmt.Sprintf("read OperationalStatus (%d consecutive failures)", consecutiveFailures),
					Err: err,
				}
			}
		} else {
			consecutiveFailures = 0
			if status == 0 {
				elapsed := time.Since(start)
				d.logger.Debug("stall detected", "ieee", ieee, "elapsed", elapsed.Round(time.Millisecond))
				return elapsed, nil
			}
		}

		if time.Now().After(deadline) {
			return time.Since(start), &StallTimeoutError{Elapsed: time.Since(start), Budget: d.MaxWait}
		}
	}
}

func (d *StallDetector) readStatus(ctx context.Context, ieee string, endpoint uint8) (uint64, error) {
	results, err := d.channel.ReadAttributes(ctx, ieee, endpoint, ClusterWindowCovering,
		[]uint16{AttrOperationalStatus.ID}, AttrOperationalStatus.Manufacturer())
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		if r.AttrID != AttrOperationalStatus.ID {
			continue
		}
		if r.Status != 0 {
			return 0, fmt.Errorf("OperationalStatus read status 0x%02X", r.Status)
		}
		v, ok := zcl.ToUint64(r.Value)
		if !ok {
			return 0, fmt.Errorf("OperationalStatus value %v not numeric", r.Value)
		}
		return v, nil
	}
	return 0, fmt.Errorf("OperationalStatus missing from response")
}
