// Package ubisys drives Ubisys J1 window-covering controllers: limit
// calibration, write verification, stall detection and advanced tuning.
// Device access goes through the coordinator's channel adapters; this
// package never encodes ZCL frames itself.
package ubisys

import (
	"fmt"
	"time"

	"ubisys-bridge/internal/zcl"
	"ubisys-bridge/internal/zcl/clusters"
)

// ManufacturerCode tags vendor-specific attribute access on J1 devices.
const ManufacturerCode = clusters.UbisysManufacturerCode

// ClusterWindowCovering is the ZCL cluster the engine operates on.
const ClusterWindowCovering uint16 = 0x0102

// SentinelSteps is the "never calibrated" marker for 16-bit step counters.
const SentinelSteps uint16 = 0xFFFF

// Window covering cluster commands.
const (
	CmdUpOpen             uint8 = 0x00
	CmdDownClose          uint8 = 0x01
	CmdStop               uint8 = 0x02
	CmdGoToLiftPercentage uint8 = 0x05
	CmdGoToTiltPercentage uint8 = 0x08
)

// ModeCalibrationBit in the Mode attribute puts the device into
// calibration mode: position reporting stops and the motor runs to its
// physical limits without clamping.
const ModeCalibrationBit uint64 = 0x02

// Engine timing defaults.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxWait         = 75 * time.Second
	DefaultSettleDelay     = time.Second
	DefaultMaxReadFailures = 5
	DefaultTiltSteps       = 100

	// DefaultPositionPrepTime is how long the brief downward nudge runs
	// before limit discovery, so the actuator is not already resting at
	// the top.
	DefaultPositionPrepTime = 1500 * time.Millisecond
)

// Attribute describes one window-covering attribute the engine touches.
type Attribute struct {
	ID          uint16
	Name        string
	Type        uint8
	MfrSpecific bool
}

// Manufacturer returns the code to put on ZCL frames for this attribute.
func (a Attribute) Manufacturer() uint16 {
	if a.MfrSpecific {
		return ManufacturerCode
	}
	return 0
}

// Sentinel returns the all-ones "invalid" value for the attribute's type.
func (a Attribute) Sentinel() uint64 {
	switch a.Type {
	case zcl.TypeUint8:
		return 0xFF
	default:
		return 0xFFFF
	}
}

// Standard window covering attributes.
var (
	AttrWindowCoveringType = Attribute{ID: 0x0000, Name: "WindowCoveringType", Type: zcl.TypeEnum8}
	AttrOperationalStatus  = Attribute{ID: 0x000A, Name: "OperationalStatus", Type: zcl.TypeBitmap8}
	AttrMode               = Attribute{ID: 0x0017, Name: "Mode", Type: zcl.TypeBitmap8}
)

// Ubisys vendor attributes. TotalSteps counts the downward run,
// TotalSteps2 the upward run.
var (
	AttrTurnaroundGuardTime    = Attribute{ID: 0x1000, Name: "TurnaroundGuardTime", Type: zcl.TypeUint8, MfrSpecific: true}
	AttrLiftToTiltSteps        = Attribute{ID: 0x1001, Name: "LiftToTiltTransitionSteps", Type: zcl.TypeUint16, MfrSpecific: true}
	AttrTotalSteps             = Attribute{ID: 0x1002, Name: "TotalSteps", Type: zcl.TypeUint16, MfrSpecific: true}
	AttrLiftToTiltSteps2       = Attribute{ID: 0x1003, Name: "LiftToTiltTransitionSteps2", Type: zcl.TypeUint16, MfrSpecific: true}
	AttrTotalSteps2            = Attribute{ID: 0x1004, Name: "TotalSteps2", Type: zcl.TypeUint16, MfrSpecific: true}
	AttrAdditionalSteps        = Attribute{ID: 0x1005, Name: "AdditionalSteps", Type: zcl.TypeUint8, MfrSpecific: true}
	AttrInactivePowerThreshold = Attribute{ID: 0x1006, Name: "InactivePowerThreshold", Type: zcl.TypeUint16, MfrSpecific: true}
	AttrStartupSteps           = Attribute{ID: 0x1007, Name: "StartupSteps", Type: zcl.TypeUint16, MfrSpecific: true}
)

// CoveringKind is the configured physical covering category. It selects
// the WindowCoveringType code and whether tilt finalization applies.
type CoveringKind string

const (
	KindRoller           CoveringKind = "roller"
	KindCellular         CoveringKind = "cellular"
	KindVertical         CoveringKind = "vertical"
	KindVenetian         CoveringKind = "venetian"
	KindExteriorVenetian CoveringKind = "exterior-venetian"
)

var coveringTypeCodes = map[CoveringKind]uint8{
	KindRoller:           0x00,
	KindVertical:         0x04,
	KindCellular:         0x06,
	KindVenetian:         0x08,
	KindExteriorVenetian: 0x09,
}

// ParseCoveringKind validates a configured kind string.
func ParseCoveringKind(s string) (CoveringKind, error) {
	kind := CoveringKind(s)
	if _, ok := coveringTypeCodes[kind]; !ok {
		return "", fmt.Errorf("unknown covering kind %q", s)
	}
	return kind, nil
}

// TypeCode returns the WindowCoveringType attribute code for the kind.
func (k CoveringKind) TypeCode() uint8 {
	return coveringTypeCodes[k]
}

// TiltCapable reports whether the kind has a tilt axis requiring the
// lift-to-tilt transition steps to be written at finalization.
func (k CoveringKind) TiltCapable() bool {
	return k == KindVenetian || k == KindExteriorVenetian
}
