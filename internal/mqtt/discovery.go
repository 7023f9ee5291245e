package mqtt

import (
	"fmt"
	"strings"

	"ubisys-bridge/internal/store"
	"ubisys-bridge/internal/ubisys"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/zigbee_001FEE.../cover/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	PayloadOpen         string   `json:"payload_open,omitempty"`
	PayloadClose        string   `json:"payload_close,omitempty"`
	PayloadStop         string   `json:"payload_stop,omitempty"`
	PositionTopic       string   `json:"position_topic,omitempty"`
	PositionTemplate    string   `json:"position_template,omitempty"`
	SetPositionTopic    string   `json:"set_position_topic,omitempty"`
	SetPositionTemplate string   `json:"set_position_template,omitempty"`
	TiltStatusTopic     string   `json:"tilt_status_topic,omitempty"`
	TiltStatusTemplate  string   `json:"tilt_status_template,omitempty"`
	TiltCommandTopic    string   `json:"tilt_command_topic,omitempty"`
	TiltCommandTemplate string   `json:"tilt_command_template,omitempty"`
	Device              haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "zigbee_" + dev.IEEEAddress
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.IEEEAddress
}

// coverDeviceClass maps the configured covering kind to an HA device class.
func coverDeviceClass(kind string) string {
	switch kind {
	case string(ubisys.KindVenetian), string(ubisys.KindExteriorVenetian):
		return "blind"
	case string(ubisys.KindVertical):
		return "curtain"
	case string(ubisys.KindRoller), string(ubisys.KindCellular):
		return "shade"
	default:
		return ""
	}
}

// buildDiscovery generates HA discovery messages for a device based on its clusters.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	if !dev.Interviewed || len(dev.Endpoints) == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Name:         displayName,
	}

	// Collect cluster IDs across all endpoints.
	hasCluster := make(map[uint16]bool)
	for _, ep := range dev.Endpoints {
		for _, cid := range ep.InClusters {
			hasCluster[cid] = true
		}
	}

	var msgs []discoveryMsg

	if hasCluster[ubisys.ClusterWindowCovering] {
		msgs = append(msgs, buildCover(nodeID, displayName, stateTopic, avail, haDev, prefix, dev))
	} else if hasCluster[0x0006] {
		// Non-covering endpoints (S1/S2 relay modules) stay controllable.
		msgs = append(msgs, buildSwitch(nodeID, displayName, stateTopic, avail, haDev, prefix, dev))
	}

	// Power Configuration (0x0001) → battery sensor
	if hasCluster[0x0001] {
		msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"battery", "Battery", "battery", "%", "measurement",
			"{{ value_json.battery }}"))
	}

	// Link quality sensor for all devices.
	// No device_class — "signal_strength" requires dB/dBm units, but LQI is unitless.
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"linkquality", "Link Quality", "", "lqi", "measurement",
		"{{ value_json.linkquality }}"))

	return msgs
}

func buildCover(nodeID, displayName, stateTopic, avail string, haDev haDevice, prefix string, dev *store.Device) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/cover/%s/cover/config", nodeID)
	cmdTopic := prefix + "/" + deviceTopicName(dev) + "/set"

	payload := haDiscovery{
		Name:                displayName,
		UniqueID:            nodeID + "_cover",
		CommandTopic:        cmdTopic,
		AvailabilityTopic:   avail,
		DeviceClass:         coverDeviceClass(dev.CoveringKind),
		PayloadOpen:         `{"state": "OPEN"}`,
		PayloadClose:        `{"state": "CLOSE"}`,
		PayloadStop:         `{"state": "STOP"}`,
		PositionTopic:       stateTopic,
		PositionTemplate:    "{{ value_json.position }}",
		SetPositionTopic:    cmdTopic,
		SetPositionTemplate: `{"position": {{ position }} }`,
		Device:              haDev,
	}

	kind, err := ubisys.ParseCoveringKind(dev.CoveringKind)
	if err == nil && kind.TiltCapable() {
		payload.TiltStatusTopic = stateTopic
		payload.TiltStatusTemplate = "{{ value_json.tilt }}"
		payload.TiltCommandTopic = cmdTopic
		payload.TiltCommandTemplate = `{"tilt": {{ tilt_position }} }`
	}

	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, avail string, haDev haDevice, prefix string, dev *store.Device) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	cmdTopic := prefix + "/" + deviceTopicName(dev) + "/set"
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_switch",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)

	components := []struct{ comp, obj string }{
		{"cover", "cover"},
		{"switch", "switch"},
		{"sensor", "battery"},
		{"sensor", "linkquality"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
