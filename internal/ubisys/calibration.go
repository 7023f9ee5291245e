package ubisys

import (
	"context"
	"log/slog"
	"time"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/store"
)

// Calibration phase names, as reported on failures and in logs.
const (
	PhaseAdmission    = "admission"
	PhasePrepare      = "prepare"
	PhasePositionPrep = "position prep"
	PhaseFindTop      = "find top limit"
	PhaseFindBottom   = "find bottom limit"
	PhaseVerify       = "verify"
	PhaseFinalize     = "finalize"
)

// Config holds the engine's timing and tilt defaults.
type Config struct {
	PollInterval     time.Duration
	MaxWait          time.Duration
	SettleDelay      time.Duration
	PositionPrepTime time.Duration
	MaxReadFailures  int
	TiltSteps        uint16
}

// DefaultConfig returns the design-default timing budget.
func DefaultConfig() Config {
	return Config{
		PollInterval:     DefaultPollInterval,
		MaxWait:          DefaultMaxWait,
		SettleDelay:      DefaultSettleDelay,
		PositionPrepTime: DefaultPositionPrepTime,
		MaxReadFailures:  DefaultMaxReadFailures,
		TiltSteps:        DefaultTiltSteps,
	}
}

// Result is the outcome of one calibration run.
type Result struct {
	IEEE      string        `json:"ieee"`
	Kind      CoveringKind  `json:"covering_kind"`
	Success   bool          `json:"success"`
	StepsDown uint16        `json:"steps_down,omitempty"`
	StepsUp   uint16        `json:"steps_up,omitempty"`
	TiltSteps uint16        `json:"tilt_steps,omitempty"`
	Duration  time.Duration `json:"duration"`
	Phase     string        `json:"phase,omitempty"`
	Error     string        `json:"error,omitempty"`
	Warning   string        `json:"warning,omitempty"`

	// Err is the underlying failure for callers that inspect error types.
	Err error `json:"-"`
}

// Orchestrator sequences the calibration phase machine. One instance
// serves all devices; per-device mutual exclusion comes from the lock
// registry.
type Orchestrator struct {
	channel  Channel
	store    store.Store
	events   *coordinator.EventBus
	locks    *DeviceLockRegistry
	verifier *AttributeWriteVerifier
	detector *StallDetector
	logger   *slog.Logger
	cfg      Config
}

// NewOrchestrator wires the engine over a device channel and store.
// events may be nil in tests.
func NewOrchestrator(channel Channel, st store.Store, events *coordinator.EventBus, cfg Config, logger *slog.Logger) *Orchestrator {
	logger = logger.With("component", "calibration")
	detector := NewStallDetector(channel, logger)
	detector.PollInterval = cfg.PollInterval
	detector.MaxWait = cfg.MaxWait
	detector.MaxReadFailures = cfg.MaxReadFailures
	return &Orchestrator{
		channel:  channel,
		store:    st,
		events:   events,
		locks:    NewDeviceLockRegistry(),
		verifier: NewAttributeWriteVerifier(channel, logger),
		detector: detector,
		logger:   logger,
		cfg:      cfg,
	}
}

// Locks exposes the lock registry for status queries.
func (o *Orchestrator) Locks() *DeviceLockRegistry {
	return o.locks
}

// calibrationRun is the per-invocation state. Never persisted.
type calibrationRun struct {
	ieee     string
	endpoint uint8
	kind     CoveringKind
	test     bool
	result   *Result

	// modeEntered arms the failure-path cleanup. It is set before the
	// mode write is issued: the write can land on the device even when
	// its verify read-back is lost.
	modeEntered bool
	// baseMode is the Mode value captured before calibration, with the
	// calibration bit cleared. Cleanup restores it without needing any
	// further successful read.
	baseMode uint64
}

// Calibrate runs the full phase sequence for one device. Admission
// failures (unknown device, wrong category, lock held) return an error
// and no result; past admission every outcome is a Result, failed runs
// carrying the failing phase and error text.
func (o *Orchestrator) Calibrate(ctx context.Context, ieee string, test bool) (*Result, error) {
	dev, err := o.store.GetDevice(ieee)
	if err != nil {
		return nil, &AdmissionError{IEEE: ieee, Reason: "unknown device", Err: err}
	}
	if dev.CoveringKind == "" {
		return nil, &AdmissionError{IEEE: ieee, Reason: "no covering kind configured, not a window covering"}
	}
	kind, err := ParseCoveringKind(dev.CoveringKind)
	if err != nil {
		return nil, &AdmissionError{IEEE: ieee, Reason: "invalid covering kind", Err: err}
	}
	endpoint, err := o.channel.ResolveEndpoint(ctx, ieee, ClusterWindowCovering)
	if err != nil {
		return nil, &AdmissionError{IEEE: ieee, Reason: "window covering cluster not found", Err: err}
	}
	release, err := o.locks.TryLock(ieee)
	if err != nil {
		return nil, &AdmissionError{IEEE: ieee, Reason: "calibration already in progress", Err: err}
	}
	defer release()

	start := time.Now()
	run := &calibrationRun{
		ieee:     ieee,
		endpoint: endpoint,
		kind:     kind,
		test:     test,
		result:   &Result{IEEE: ieee, Kind: kind},
	}

	o.logger.Info("calibration started", "ieee", ieee, "kind", kind, "endpoint", endpoint, "test", test)

	runErr := o.execute(ctx, run)
	run.result.Duration = time.Since(start)

	if runErr != nil {
		// The device must not be left stuck in calibration mode, even on
		// cancellation: run the exit attempt on a detached context.
		if run.modeEntered {
			o.exitCalibrationMode(context.WithoutCancel(ctx), run)
		}
		run.result.Success = false
		run.result.Err = runErr
		run.result.Error = runErr.Error()
		if pe, ok := runErr.(*PhaseError); ok {
			run.result.Phase = pe.Phase
		}
		o.logger.Error("calibration failed", "ieee", ieee, "kind", kind,
			"phase", run.result.Phase, "err", runErr, "duration", run.result.Duration.Round(time.Millisecond))
		o.emit(coordinator.EventCalibrationFailed, run.result)
		return run.result, nil
	}

	run.result.Success = true
	if !test {
		o.persistResult(run.result)
	}
	o.logger.Info("calibration complete", "ieee", ieee, "kind", kind,
		"steps_down", run.result.StepsDown, "steps_up", run.result.StepsUp,
		"duration", run.result.Duration.Round(time.Millisecond))
	o.emit(coordinator.EventCalibrationDone, run.result)
	return run.result, nil
}

// CalibrateAll runs devices strictly sequentially to avoid saturating the
// radio, collecting an independent outcome per device. A failure on one
// device never aborts the rest of the batch.
func (o *Orchestrator) CalibrateAll(ctx context.Context, ieees []string, test bool) []*Result {
	results := make([]*Result, 0, len(ieees))
	for _, ieee := range ieees {
		result, err := o.Calibrate(ctx, ieee, test)
		if err != nil {
			result = &Result{
				IEEE:    ieee,
				Phase:   PhaseAdmission,
				Error:   err.Error(),
				Err:     err,
				Success: false,
			}
		}
		results = append(results, result)
	}
	return results
}

func (o *Orchestrator) emit(eventType string, result *Result) {
	if o.events == nil {
		return
	}
	o.events.Emit(coordinator.Event{Type: eventType, Data: result})
}

func (o *Orchestrator) persistResult(result *Result) {
	err := o.store.UpdateDevice(result.IEEE, func(dev *store.Device) error {
		dev.Calibration = &store.Calibration{
			StepsDown:    result.StepsDown,
			StepsUp:      result.StepsUp,
			TiltSteps:    result.TiltSteps,
			CalibratedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		o.logger.Error("persist calibration result", "ieee", result.IEEE, "err", err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *calibrationRun) error {
	if run.test {
		if err := o.phaseReadOnlyCheck(ctx, run); err != nil {
			return &PhaseError{Phase: PhaseVerify, Err: err}
		}
		return nil
	}

	phases := []struct {
		name string
		fn   func(context.Context, *calibrationRun) error
	}{
		{PhasePrepare, o.phasePrepare},
		{PhasePositionPrep, o.phasePositionPrep},
		{PhaseFindTop, o.phaseFindTop},
		{PhaseFindBottom, o.phaseFindBottom},
		{PhaseVerify, o.phaseVerifyLimit},
		{PhaseFinalize, o.phaseFinalize},
	}
	for _, p := range phases {
		o.logger.Debug("phase start", "ieee", run.ieee, "phase", p.name)
		if err := p.fn(ctx, run); err != nil {
			return &PhaseError{Phase: p.name, Err: err}
		}
	}
	return nil
}

func (o *Orchestrator) settle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.SettleDelay):
		return nil
	}
}

// phasePrepare writes the covering-type code, resets the step counters on
// a first-time calibration, and enters calibration mode. A recalibration
// preserves the stored limits: the device rejects re-writing the sentinel
// once calibrated.
func (o *Orchestrator) phasePrepare(ctx context.Context, run *calibrationRun) error {
	err := o.verifier.WriteVerify(ctx, run.ieee, run.endpoint,
		[]WriteSpec{{Attr: AttrWindowCoveringType, Value: uint64(run.kind.TypeCode())}}, true)
	if err != nil {
		return err
	}
	if err := o.settle(ctx); err != nil {
		return err
	}

	vals, err := o.verifier.ReadValues(ctx, run.ieee, run.endpoint, []Attribute{AttrTotalSteps})
	if err != nil {
		return err
	}
	if vals[AttrTotalSteps.ID] == uint64(SentinelSteps) {
		reset := []WriteSpec{
			{Attr: AttrTotalSteps, Value: uint64(SentinelSteps)},
			{Attr: AttrTotalSteps2, Value: uint64(SentinelSteps)},
			{Attr: AttrLiftToTiltSteps, Value: uint64(SentinelSteps)},
			{Attr: AttrLiftToTiltSteps2, Value: uint64(SentinelSteps)},
		}
		if err := o.verifier.Write(ctx, run.ieee, run.endpoint, reset); err != nil {
			return err
		}
		if err := o.settle(ctx); err != nil {
			return err
		}
	}

	modeVals, err := o.verifier.ReadValues(ctx, run.ieee, run.endpoint, []Attribute{AttrMode})
	if err != nil {
		return err
	}
	run.baseMode = modeVals[AttrMode.ID] &^ ModeCalibrationBit

	run.modeEntered = true
	if err := o.verifier.WriteVerify(ctx, run.ieee, run.endpoint,
		[]WriteSpec{{Attr: AttrMode, Value: run.baseMode | ModeCalibrationBit}}, false); err != nil {
		return err
	}
	return o.settle(ctx)
}

// phasePositionPrep nudges the covering downward briefly so it is not
// already resting at the top limit, which would hide the transition the
// next phase waits for.
func (o *Orchestrator) phasePositionPrep(ctx context.Context, run *calibrationRun) error {
	if err := o.channel.SendCommand(ctx, run.ieee, run.endpoint, ClusterWindowCovering, CmdDownClose, nil); err != nil {
		return &CommunicationError{Op: "move down", Err: err}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.PositionPrepTime):
	}
	if err := o.channel.SendCommand(ctx, run.ieee, run.endpoint, ClusterWindowCovering, CmdStop, nil); err != nil {
		return &CommunicationError{Op: "stop", Err: err}
	}
	return o.settle(ctx)
}

// phaseFindTop runs the motor up until it stalls at the physical top
// limit. No stop command is sent: the device auto-stops in calibration
// mode, and an explicit stop would record a false limit.
func (o *Orchestrator) phaseFindTop(ctx context.Context, run *calibrationRun) error {
	if err := o.channel.SendCommand(ctx, run.ieee, run.endpoint, ClusterWindowCovering, CmdUpOpen, nil); err != nil {
		return &CommunicationError{Op: "move up", Err: err}
	}
	_, err := o.detector.WaitForStall(ctx, run.ieee, run.endpoint)
	return err
}

// phaseFindBottom runs down to the bottom limit while the device counts
// travel steps internally.
func (o *Orchestrator) phaseFindBottom(ctx context.Context, run *calibrationRun) error {
	if err := o.channel.SendCommand(ctx, run.ieee, run.endpoint, ClusterWindowCovering, CmdDownClose, nil); err != nil {
		return &CommunicationError{Op: "move down", Err: err}
	}
	_, err := o.detector.WaitForStall(ctx, run.ieee, run.endpoint)
	return err
}

// phaseVerifyLimit returns to the top, cross-checking that the device
// reaches a consistent limit a second time and leaving the covering open.
func (o *Orchestrator) phaseVerifyLimit(ctx context.Context, run *calibrationRun) error {
	if err := o.channel.SendCommand(ctx, run.ieee, run.endpoint, ClusterWindowCovering, CmdUpOpen, nil); err != nil {
		return &CommunicationError{Op: "move up", Err: err}
	}
	_, err := o.detector.WaitForStall(ctx, run.ieee, run.endpoint)
	return err
}

// phaseFinalize writes the tilt transition for tilt-capable kinds, exits
// calibration mode, and reads back the measured step counts.
func (o *Orchestrator) phaseFinalize(ctx context.Context, run *calibrationRun) error {
	if run.kind.TiltCapable() {
		tilt := uint64(o.cfg.TiltSteps)
		specs := []WriteSpec{
			{Attr: AttrLiftToTiltSteps, Value: tilt},
			{Attr: AttrLiftToTiltSteps2, Value: tilt},
		}
		if err := o.verifier.WriteVerify(ctx, run.ieee, run.endpoint, specs, true); err != nil {
			return err
		}
		run.result.TiltSteps = o.cfg.TiltSteps
		if err := o.settle(ctx); err != nil {
			return err
		}
	}

	if err := o.clearCalibrationMode(ctx, run); err != nil {
		return err
	}
	if err := o.settle(ctx); err != nil {
		return err
	}

	vals, err := o.verifier.ReadValues(ctx, run.ieee, run.endpoint, []Attribute{AttrTotalSteps, AttrTotalSteps2})
	if err != nil {
		return err
	}
	down := vals[AttrTotalSteps.ID]
	up := vals[AttrTotalSteps2.ID]
	if down == uint64(SentinelSteps) || down == 0 {
		return &MeasurementError{Attr: AttrTotalSteps, Value: down}
	}
	run.result.StepsDown = uint16(down)
	run.result.StepsUp = uint16(up)
	run.result.Warning = asymmetryWarning(down, up)
	return nil
}

// asymmetryWarning annotates runs whose up and down step counts differ by
// more than 10%, which can indicate mechanical binding. Not a failure.
func asymmetryWarning(down, up uint64) string {
	if up == 0 || up == uint64(SentinelSteps) {
		return ""
	}
	hi, lo := down, up
	if up > down {
		hi, lo = up, down
	}
	if (hi-lo)*10 > hi {
		return "up/down step counts differ by more than 10%, check for mechanical binding"
	}
	return ""
}

// clearCalibrationMode restores the pre-calibration mode with
// verification. No backup: rolling back would re-enter calibration mode.
func (o *Orchestrator) clearCalibrationMode(ctx context.Context, run *calibrationRun) error {
	if err := o.verifier.WriteVerify(ctx, run.ieee, run.endpoint,
		[]WriteSpec{{Attr: AttrMode, Value: run.baseMode}}, false); err != nil {
		return err
	}
	run.modeEntered = false
	return nil
}

// exitCalibrationMode is the best-effort cleanup on the failure path: a
// single plain write of the captured pre-calibration mode, with no reads
// and no verification loop. Cleanup must not depend on further successful
// round-trips to a device that may already be misbehaving. Errors are
// logged, never propagated: the original failure must surface.
func (o *Orchestrator) exitCalibrationMode(ctx context.Context, run *calibrationRun) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err := o.verifier.Write(ctx, run.ieee, run.endpoint,
		[]WriteSpec{{Attr: AttrMode, Value: run.baseMode}})
	if err != nil {
		o.logger.Error("exit calibration mode after failure", "ieee", run.ieee, "err", err)
		return
	}
	o.logger.Info("calibration mode cleared after failure", "ieee", run.ieee)
}

// phaseReadOnlyCheck is the test-mode variant: attribute reads only, no
// motor movement, no configuration writes.
func (o *Orchestrator) phaseReadOnlyCheck(ctx context.Context, run *calibrationRun) error {
	attrs := []Attribute{AttrWindowCoveringType, AttrMode, AttrOperationalStatus, AttrTotalSteps, AttrTotalSteps2}
	vals, err := o.verifier.ReadValues(ctx, run.ieee, run.endpoint, attrs)
	if err != nil {
		return err
	}
	down := vals[AttrTotalSteps.ID]
	up := vals[AttrTotalSteps2.ID]
	if down == uint64(SentinelSteps) {
		run.result.Warning = "device reports not calibrated"
	} else {
		run.result.StepsDown = uint16(down)
		run.result.StepsUp = uint16(up)
	}
	o.logger.Info("read-only check", "ieee", run.ieee,
		"type", vals[AttrWindowCoveringType.ID],
		"mode", vals[AttrMode.ID],
		"status", vals[AttrOperationalStatus.ID],
		"steps_down", down, "steps_up", up)
	return nil
}
