package store

import "time"

// Device represents a Zigbee device.
type Device struct {
	IEEEAddress  string     `json:"ieee_address"`
	ShortAddress uint16     `json:"short_address"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	FriendlyName string     `json:"friendly_name,omitempty"`
	Endpoints    []Endpoint `json:"endpoints,omitempty"`
	Interviewed  bool       `json:"interviewed"`
	JoinedAt     time.Time  `json:"joined_at"`
	LastSeen     time.Time  `json:"last_seen"`
	LQI          uint8      `json:"lqi,omitempty"`
	RSSI         int8       `json:"rssi,omitempty"`

	// Window-covering configuration and calibration bookkeeping.
	// CoveringKind is empty for devices that are not covering controllers.
	CoveringKind string       `json:"covering_kind,omitempty"`
	Calibration  *Calibration `json:"calibration,omitempty"`
}

// Calibration records the outcome of the last successful limit calibration.
type Calibration struct {
	StepsDown    uint16    `json:"steps_down"`
	StepsUp      uint16    `json:"steps_up"`
	TiltSteps    uint16    `json:"tilt_steps,omitempty"`
	CalibratedAt time.Time `json:"calibrated_at"`
}

// Calibrated reports whether the device holds a completed calibration.
func (d *Device) Calibrated() bool {
	return d.Calibration != nil
}

// SetCoveringKind changes the configured covering kind. Any change clears
// the stored calibration: limits measured for one hardware kind do not
// transfer to another.
func (d *Device) SetCoveringKind(kind string) {
	if d.CoveringKind != kind {
		d.Calibration = nil
	}
	d.CoveringKind = kind
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// NetworkState holds persisted network configuration.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NetworkState struct {
	Channel    uint8  `json:"channel"`
	PanID      uint16 `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	NetworkKey string `json:"-"`
	Formed     bool   `json:"formed"`
}

// networkStateStorage is the internal struct used for DB serialization,
// preserving the network key on disk.
type networkStateStorage struct {
	Channel    uint8  `json:"channel"`
	PanID      uint16 `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	NetworkKey string `json:"network_key,omitempty"`
	Formed     bool   `json:"formed"`
}
