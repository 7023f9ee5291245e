package clusters

import "ubisys-bridge/internal/zcl"

// UbisysManufacturerCode tags the vendor-specific attribute block on the
// J1/J1-R window covering controllers.
const UbisysManufacturerCode uint16 = 0x10F2

var WindowCovering = zcl.ClusterDef{
	ID:   0x0102,
	Name: "Window Covering",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "WindowCoveringType", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0003, Name: "CurrentPositionLift", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0004, Name: "CurrentPositionTilt", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0007, Name: "ConfigStatus", Type: zcl.TypeBitmap8, Access: zcl.AccessRead},
		{ID: 0x0008, Name: "CurrentPositionLiftPercentage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0009, Name: "CurrentPositionTiltPercentage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x000A, Name: "OperationalStatus", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0010, Name: "InstalledOpenLimitLift", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0011, Name: "InstalledClosedLimitLift", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0012, Name: "InstalledOpenLimitTilt", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0013, Name: "InstalledClosedLimitTilt", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0017, Name: "Mode", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite},

		// Ubisys J1 vendor block. TotalSteps counts the downward run,
		// TotalSteps2 the upward run; 0xFFFF means not yet calibrated.
		{ID: 0x1000, Name: "TurnaroundGuardTime", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1001, Name: "LiftToTiltTransitionSteps", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1002, Name: "TotalSteps", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1003, Name: "LiftToTiltTransitionSteps2", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1004, Name: "TotalSteps2", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1005, Name: "AdditionalSteps", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1006, Name: "InactivePowerThreshold", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
		{ID: 0x1007, Name: "StartupSteps", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Manufacturer: UbisysManufacturerCode},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "UpOpen", Direction: zcl.DirectionToServer},
		{ID: 0x01, Name: "DownClose", Direction: zcl.DirectionToServer},
		{ID: 0x02, Name: "Stop", Direction: zcl.DirectionToServer},
		{ID: 0x04, Name: "GoToLiftValue", Direction: zcl.DirectionToServer},
		{ID: 0x05, Name: "GoToLiftPercentage", Direction: zcl.DirectionToServer},
		{ID: 0x07, Name: "GoToTiltValue", Direction: zcl.DirectionToServer},
		{ID: 0x08, Name: "GoToTiltPercentage", Direction: zcl.DirectionToServer},
	},
}
