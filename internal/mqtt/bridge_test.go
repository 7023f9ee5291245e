package mqtt

import (
	"encoding/json"
	"testing"

	"ubisys-bridge/internal/store"
)

func coveringDevice(kind string) *store.Device {
	return &store.Device{
		IEEEAddress:  "001FEE0000012A3B",
		Manufacturer: "ubisys",
		Model:        "J1 (5502)",
		FriendlyName: "Living Room Blind",
		CoveringKind: kind,
		Interviewed:  true,
		Endpoints: []store.Endpoint{
			{
				ID:         1,
				ProfileID:  0x0104,
				InClusters: []uint16{0x0000, 0x0102},
			},
		},
	}
}

func TestDiscoveryCover(t *testing.T) {
	dev := coveringDevice("roller")

	msgs := buildDiscovery(dev, "ubisys")
	if len(msgs) == 0 {
		t.Fatal("expected discovery messages")
	}

	var coverMsg *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/cover/zigbee_001FEE0000012A3B/cover/config" {
			coverMsg = &msgs[i]
			break
		}
	}
	if coverMsg == nil {
		t.Fatal("cover discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(coverMsg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Name != "Living Room Blind" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "zigbee_001FEE0000012A3B_cover" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.DeviceClass != "shade" {
		t.Errorf("device_class = %q, want shade", payload.DeviceClass)
	}
	if payload.CommandTopic != "ubisys/living_room_blind/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.PositionTopic != "ubisys/living_room_blind" {
		t.Errorf("position_topic = %q", payload.PositionTopic)
	}
	if payload.AvailabilityTopic != "ubisys/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Manufacturer != "ubisys" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}
	if payload.TiltCommandTopic != "" {
		t.Error("roller must not expose tilt topics")
	}

	// Link quality sensor rides along for every device.
	topics := extractTopics(msgs)
	if !topics["homeassistant/sensor/zigbee_001FEE0000012A3B/linkquality/config"] {
		t.Error("linkquality discovery missing")
	}
}

func TestDiscoveryVenetianExposesTilt(t *testing.T) {
	dev := coveringDevice("venetian")

	msgs := buildDiscovery(dev, "ubisys")
	for _, m := range msgs {
		if m.Topic != "homeassistant/cover/zigbee_001FEE0000012A3B/cover/config" {
			continue
		}
		var payload haDiscovery
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.DeviceClass != "blind" {
			t.Errorf("device_class = %q, want blind", payload.DeviceClass)
		}
		if payload.TiltCommandTopic != "ubisys/living_room_blind/set" {
			t.Errorf("tilt_command_topic = %q", payload.TiltCommandTopic)
		}
		if payload.TiltStatusTopic != "ubisys/living_room_blind" {
			t.Errorf("tilt_status_topic = %q", payload.TiltStatusTopic)
		}
		return
	}
	t.Fatal("cover discovery not found")
}

func TestDiscoverySwitchFallback(t *testing.T) {
	// An on/off endpoint with no covering cluster (S1/S2 relay module).
	dev := &store.Device{
		IEEEAddress: "1122334455667788",
		Model:       "S1 (5501)",
		Interviewed: true,
		Endpoints: []store.Endpoint{
			{ID: 1, InClusters: []uint16{0x0006}},
		},
	}

	msgs := buildDiscovery(dev, "ubisys")
	topics := extractTopics(msgs)

	if !topics["homeassistant/switch/zigbee_1122334455667788/switch/config"] {
		t.Error("expected switch discovery for on/off only device")
	}
	if topics["homeassistant/cover/zigbee_1122334455667788/cover/config"] {
		t.Error("should NOT have cover discovery without the covering cluster")
	}
}

func TestDiscoveryUninterviewedDevice(t *testing.T) {
	dev := &store.Device{
		IEEEAddress: "0000000000000001",
		Interviewed: false,
	}
	msgs := buildDiscovery(dev, "ubisys")
	if len(msgs) != 0 {
		t.Errorf("expected no discovery for uninterviewed device, got %d", len(msgs))
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{
			name: "friendly name",
			dev:  &store.Device{FriendlyName: "Kitchen Blind", Manufacturer: "ubisys", Model: "J1"},
			want: "Kitchen Blind",
		},
		{
			name: "manufacturer and model",
			dev:  &store.Device{Manufacturer: "ubisys", Model: "J1"},
			want: "ubisys J1",
		},
		{
			name: "model only",
			dev:  &store.Device{Model: "J1"},
			want: "J1",
		},
		{
			name: "IEEE fallback",
			dev:  &store.Device{IEEEAddress: "001FEE0000012A3B"},
			want: "001FEE0000012A3B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceDisplayName(tt.dev)
			if got != tt.want {
				t.Errorf("deviceDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{
			name: "friendly name with spaces",
			dev:  &store.Device{FriendlyName: "Kitchen Blind", IEEEAddress: "AABB"},
			want: "kitchen_blind",
		},
		{
			name: "IEEE fallback",
			dev:  &store.Device{IEEEAddress: "001FEE0000012A3B"},
			want: "001FEE0000012A3B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceTopicName(tt.dev)
			if got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMapAttributeToProperty(t *testing.T) {
	tests := []struct {
		name     string
		cluster  uint16
		attrName string
		value    interface{}
		wantProp string
		wantVal  interface{}
	}{
		// ZCL lift percentage 0 = open; HA position 100 = open.
		{"lift inverted", 0x0102, "CurrentPositionLiftPercentage", uint8(25), "position", uint8(75)},
		{"tilt passthrough", 0x0102, "CurrentPositionTiltPercentage", uint8(40), "tilt", uint8(40)},
		{"moving true", 0x0102, "OperationalStatus", uint8(0x01), "moving", true},
		{"moving false", 0x0102, "OperationalStatus", uint8(0x00), "moving", false},
		{"on off", 0x0006, "OnOff", true, "state", "ON"},
		{"battery", 0x0001, "BatteryPercentageRemaining", uint8(85), "battery", uint8(85)},
		{"unmapped", 0x0000, "ModelIdentifier", "J1", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prop, val := mapAttributeToProperty(tt.cluster, tt.attrName, tt.value)
			if prop != tt.wantProp {
				t.Fatalf("property = %q, want %q", prop, tt.wantProp)
			}
			if prop == "" {
				return
			}
			if got, want := mustJSON(val), mustJSON(tt.wantVal); string(got) != string(want) {
				t.Errorf("value = %s, want %s", got, want)
			}
		})
	}
}

func TestHAPositionToLift(t *testing.T) {
	tests := []struct {
		pos  float64
		want uint8
	}{
		{100, 0}, // fully open
		{0, 100}, // fully closed
		{75, 25},
		{150, 0},  // clamped
		{-5, 100}, // clamped
	}
	for _, tt := range tests {
		if got := haPositionToLift(tt.pos); got != tt.want {
			t.Errorf("haPositionToLift(%v) = %d, want %d", tt.pos, got, tt.want)
		}
	}
}

func TestRemoveDiscovery(t *testing.T) {
	dev := &store.Device{IEEEAddress: "AABBCCDD11223344"}
	msgs := buildRemoveDiscovery(dev)
	if len(msgs) == 0 {
		t.Fatal("expected removal messages")
	}

	topics := extractTopics(msgs)
	if !topics["homeassistant/cover/zigbee_AABBCCDD11223344/cover/config"] {
		t.Error("cover removal missing")
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
	}
}

func TestCommandParse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantKey string
	}{
		{"open", `{"state":"OPEN"}`, "state"},
		{"stop", `{"state":"STOP"}`, "state"},
		{"position", `{"position":75}`, "position"},
		{"tilt", `{"tilt":40}`, "tilt"},
		{"combined", `{"state":"OPEN","position":100}`, "state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd map[string]interface{}
			if err := json.Unmarshal([]byte(tt.payload), &cmd); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if _, ok := cmd[tt.wantKey]; !ok {
				t.Errorf("expected key %q in command", tt.wantKey)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
