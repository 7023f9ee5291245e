package ubisys

import (
	"context"
	"fmt"
)

// Tuning carries the advanced device-resident tuning values. Nil fields
// are left untouched.
type Tuning struct {
	TurnaroundGuardTime    *uint16 `json:"turnaround_guard_time,omitempty"`
	InactivePowerThreshold *uint16 `json:"inactive_power_threshold,omitempty"`
	StartupSteps           *uint16 `json:"startup_steps,omitempty"`
	AdditionalSteps        *uint16 `json:"additional_steps,omitempty"`
}

type tuningRange struct {
	attr Attribute
	min  uint16
	max  uint16
}

var tuningRanges = []struct {
	value func(*Tuning) *uint16
	spec  tuningRange
}{
	{func(t *Tuning) *uint16 { return t.TurnaroundGuardTime }, tuningRange{AttrTurnaroundGuardTime, 1, 255}},
	{func(t *Tuning) *uint16 { return t.InactivePowerThreshold }, tuningRange{AttrInactivePowerThreshold, 0, 65534}},
	{func(t *Tuning) *uint16 { return t.StartupSteps }, tuningRange{AttrStartupSteps, 0, 65534}},
	{func(t *Tuning) *uint16 { return t.AdditionalSteps }, tuningRange{AttrAdditionalSteps, 0, 255}},
}

// ApplyTuning validates each provided value against its documented range
// and persists the batch through the write verifier with backup enabled.
func (o *Orchestrator) ApplyTuning(ctx context.Context, ieee string, tuning Tuning) error {
	var specs []WriteSpec
	for _, r := range tuningRanges {
		v := r.value(&tuning)
		if v == nil {
			continue
		}
		if *v < r.spec.min || *v > r.spec.max {
			return fmt.Errorf("%s: value %d out of range [%d, %d]", r.spec.attr.Name, *v, r.spec.min, r.spec.max)
		}
		specs = append(specs, WriteSpec{Attr: r.spec.attr, Value: uint64(*v)})
	}
	if len(specs) == 0 {
		return fmt.Errorf("no tuning values provided")
	}

	endpoint, err := o.channel.ResolveEndpoint(ctx, ieee, ClusterWindowCovering)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	if err := o.verifier.WriteVerify(ctx, ieee, endpoint, specs, true); err != nil {
		return err
	}
	o.logger.Info("tuning applied", "ieee", ieee, "attributes", len(specs))
	return nil
}
