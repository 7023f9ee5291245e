package ubisys

import (
	"context"
	"fmt"
	"log/slog"

	"ubisys-bridge/internal/ncp"
	"ubisys-bridge/internal/zcl"
)

// WriteSpec pairs an attribute with the numeric value to persist.
type WriteSpec struct {
	Attr  Attribute
	Value uint64
}

// AttributeWriteVerifier implements the write-verify-rollback protocol:
// batched write, immediate read-back, exact comparison, and a best-effort
// restore of the previous values on mismatch. Every configuration write
// in the calibration sequence goes through it.
type AttributeWriteVerifier struct {
	channel Channel
	logger  *slog.Logger
}

// NewAttributeWriteVerifier creates a verifier over a device channel.
func NewAttributeWriteVerifier(channel Channel, logger *slog.Logger) *AttributeWriteVerifier {
	return &AttributeWriteVerifier{
		channel: channel,
		logger:  logger.With("component", "write_verifier"),
	}
}

// groupSpecs splits specs by the manufacturer code their ZCL frames must
// carry, since one frame holds a single code.
func groupSpecs(specs []WriteSpec) map[uint16][]WriteSpec {
	groups := make(map[uint16][]WriteSpec)
	for _, s := range specs {
		mfr := s.Attr.Manufacturer()
		groups[mfr] = append(groups[mfr], s)
	}
	return groups
}

// ReadValues reads a set of attributes and returns their decoded numeric
// values keyed by attribute ID. A failed record (non-zero ZCL status) is
// reported as an error naming the attribute.
func (v *AttributeWriteVerifier) ReadValues(ctx context.Context, ieee string, endpoint uint8, attrs []Attribute) (map[uint16]uint64, error) {
	byMfr := make(map[uint16][]Attribute)
	for _, a := range attrs {
		byMfr[a.Manufacturer()] = append(byMfr[a.Manufacturer()], a)
	}

	values := make(map[uint16]uint64, len(attrs))
	for mfr, group := range byMfr {
		ids := make([]uint16, len(group))
		names := make(map[uint16]string, len(group))
		for i, a := range group {
			ids[i] = a.ID
			names[a.ID] = a.Name
		}
		results, err := v.channel.ReadAttributes(ctx, ieee, endpoint, ClusterWindowCovering, ids, mfr)
		if err != nil {
			return nil, &CommunicationError{Op: "read attributes", Err: err}
		}
		for _, r := range results {
			if r.Status != 0 {
				return nil, &CommunicationError{
					Op:  "read attributes",
					Err: fmt.Errorf("%s: status 0x%02X", names[r.AttrID], r.Status),
				}
			}
			val, ok := zcl.ToUint64(r.Value)
			if !ok {
				return nil, &CommunicationError{
					Op:  "read attributes",
					Err: fmt.Errorf("%s: value %v not numeric", names[r.AttrID], r.Value),
				}
			}
			values[r.AttrID] = val
		}
	}

	for _, a := range attrs {
		if _, ok := values[a.ID]; !ok {
			return nil, &CommunicationError{
				Op:  "read attributes",
				Err: fmt.Errorf("%s missing from response", a.Name),
			}
		}
	}
	return values, nil
}

// Write issues a batched write without read-back verification and fails
// if the device refuses any record. Used for the sentinel reset, where a
// read-back of the sentinel can never verify as a written value.
func (v *AttributeWriteVerifier) Write(ctx context.Context, ieee string, endpoint uint8, specs []WriteSpec) error {
	for mfr, group := range groupSpecs(specs) {
		records := make([]ncp.WriteRecord, 0, len(group))
		names := make(map[uint16]string, len(group))
		for _, s := range group {
			encoded, err := zcl.EncodeValue(s.Attr.Type, s.Value)
			if err != nil {
				return fmt.Errorf("encode %s: %w", s.Attr.Name, err)
			}
			records = append(records, ncp.WriteRecord{AttrID: s.Attr.ID, DataType: s.Attr.Type, Value: encoded})
			names[s.Attr.ID] = s.Attr.Name
		}
		statuses, err := v.channel.WriteAttributes(ctx, ieee, endpoint, ClusterWindowCovering, records, mfr)
		if err != nil {
			return &CommunicationError{Op: "write attributes", Err: err}
		}
		for _, st := range statuses {
			if st.Status != 0 {
				name := names[st.AttrID]
				if name == "" {
					name = fmt.Sprintf("0x%04X", st.AttrID)
				}
				return &CommunicationError{
					Op:  "write attributes",
					Err: fmt.Errorf("device refused %s with status 0x%02X", name, st.Status),
				}
			}
		}
	}
	return nil
}

// WriteVerify writes the specs, reads them back, and compares exactly.
// With backup enabled the current values are captured first and restored
// best-effort on mismatch; a rollback failure is logged but never masks
// the verification error. A desired value equal to the attribute's
// sentinel is rejected up front: the sentinel can never verify.
func (v *AttributeWriteVerifier) WriteVerify(ctx context.Context, ieee string, endpoint uint8, specs []WriteSpec, backup bool) error {
	attrs := make([]Attribute, len(specs))
	for i, s := range specs {
		if s.Value == s.Attr.Sentinel() {
			return fmt.Errorf("%s: sentinel value %d cannot be written with verification", s.Attr.Name, s.Value)
		}
		attrs[i] = s.Attr
	}

	var backupValues map[uint16]uint64
	if backup {
		var err error
		backupValues, err = v.ReadValues(ctx, ieee, endpoint, attrs)
		if err != nil {
			return fmt.Errorf("backup read: %w", err)
		}
	}

	if err := v.Write(ctx, ieee, endpoint, specs); err != nil {
		return err
	}

	readBack, err := v.ReadValues(ctx, ieee, endpoint, attrs)
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}

	var mismatches []Mismatch
	for _, s := range specs {
		got := readBack[s.Attr.ID]
		if got != s.Value {
			mismatches = append(mismatches, Mismatch{Attr: s.Attr, Want: s.Value, Got: got})
		}
	}
	if len(mismatches) == 0 {
		return nil
	}

	if backupValues != nil {
		v.rollback(ctx, ieee, endpoint, specs, backupValues)
	}
	return &VerificationError{Mismatches: mismatches}
}

// rollback restores pre-write values best-effort. Attributes whose backup
// reads the sentinel are skipped: the device rejects re-writing it.
func (v *AttributeWriteVerifier) rollback(ctx context.Context, ieee string, endpoint uint8, specs []WriteSpec, backupValues map[uint16]uint64) {
	restore := make([]WriteSpec, 0, len(specs))
	for _, s := range specs {
		prev, ok := backupValues[s.Attr.ID]
		if !ok || prev == s.Attr.Sentinel() {
			continue
		}
		restore = append(restore, WriteSpec{Attr: s.Attr, Value: prev})
	}
	if len(restore) == 0 {
		return
	}
	if err := v.Write(ctx, ieee, endpoint, restore); err != nil {
		v.logger.Error("rollback after failed verification", "ieee", ieee, "err", err)
		return
	}
	v.logger.Info("rolled back attributes after failed verification", "ieee", ieee, "count", len(restore))
}
