package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/store"
	"ubisys-bridge/internal/ubisys"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the Zigbee coordinator to MQTT with HA autodiscovery.
// Covering devices are exposed as HA covers; calibration can be triggered
// and observed over dedicated per-device topics.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	engine *ubisys.Orchestrator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map

	// Track pending delayed discovery goroutines per IEEE to avoid duplicates.
	pendingDiscovery map[string]context.CancelFunc
	discoveryGen     map[string]uint64
	nextDiscGen      uint64
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, engine *ubisys.Orchestrator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		coord:            coord,
		engine:           engine,
		prefix:           cfg.TopicPrefix,
		logger:           logger.With("component", "mqtt"),
		states:           make(map[string]map[string]any),
		pendingDiscovery: make(map[string]context.CancelFunc),
		discoveryGen:     make(map[string]uint64),
		ctx:              ctx,
		cancel:           cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("ubisys-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventAttributeReport:
		b.handleAttributeReport(event)
	case coordinator.EventCalibrationDone, coordinator.EventCalibrationFailed:
		b.handleCalibrationOutcome(event)
	case coordinator.EventDeviceAnnounce:
		// Publish discovery after a delay to let interview complete.
		go b.delayedDiscovery(event)
	case coordinator.EventDeviceLeft:
		b.handleDeviceLeft(event)
	}
}

func (b *Bridge) handleAttributeReport(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	clusterID, _ := data["cluster_id"].(uint16)
	attrName, _ := data["attr_name"].(string)
	value := data["value"]

	propName, value := mapAttributeToProperty(clusterID, attrName, value)
	if propName == "" {
		return
	}

	b.updateAndPublishState(ieee, propName, value)
}

// handleCalibrationOutcome publishes every calibration result, success or
// failure, to the device's calibration topic.
func (b *Bridge) handleCalibrationOutcome(event coordinator.Event) {
	result, ok := event.Data.(*ubisys.Result)
	if !ok {
		return
	}
	topic := b.prefix + "/" + b.topicName(result.IEEE) + "/calibration"
	b.publish(topic, mustJSON(result), true)

	if result.Success {
		b.updateAndPublishState(result.IEEE, "calibrated", true)
	}
}

func (b *Bridge) updateAndPublishState(ieee, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[prop] = value

	// Always include LQI and last_seen from the device store.
	dev, err := b.coord.Devices().GetDevice(ieee)
	if err == nil {
		state["linkquality"] = dev.LQI
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}

	payload := mustJSON(state)
	b.mu.Unlock()

	topic := b.prefix + "/" + b.topicName(ieee)
	b.publish(topic, payload, true)
}

func (b *Bridge) handleDeviceLeft(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	// Remove discovery entries.
	dev := &store.Device{IEEEAddress: ieee}
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	// Clear accumulated state.
	b.mu.Lock()
	delete(b.states, ieee)
	b.mu.Unlock()
}

func (b *Bridge) delayedDiscovery(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	// Cancel any previous delayed discovery for this device.
	discCtx, discCancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	if prev, ok := b.pendingDiscovery[ieee]; ok {
		prev()
	}
	b.nextDiscGen++
	gen := b.nextDiscGen
	b.pendingDiscovery[ieee] = discCancel
	b.discoveryGen[ieee] = gen
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.discoveryGen[ieee] == gen {
			delete(b.pendingDiscovery, ieee)
			delete(b.discoveryGen, ieee)
		}
		b.mu.Unlock()
		discCancel()
	}()

	// Wait for interview to complete (up to 3 minutes, checking periodically).
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for i := 0; i < 36; i++ {
		select {
		case <-ticker.C:
		case <-discCtx.Done():
			return
		}
		dev, err := b.coord.Devices().GetDevice(ieee)
		if err != nil {
			return
		}
		if dev.Interviewed {
			b.publishDeviceDiscovery(dev)
			b.subscribeDeviceCommands(dev)
			return
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if dev.Interviewed {
			b.publishDeviceDiscovery(dev)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev))
}

func (b *Bridge) subscribeCommands() {
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for command subscription", "err", err)
		return
	}
	for _, dev := range devices {
		if !dev.Interviewed {
			continue
		}
		b.subscribeDeviceCommands(dev)
	}
}

func (b *Bridge) subscribeDeviceCommands(dev *store.Device) {
	ieee := dev.IEEEAddress
	setTopic := b.prefix + "/" + deviceTopicName(dev) + "/set"
	b.client.Subscribe(setTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(ieee, msg.Payload())
	})

	if dev.CoveringKind == "" {
		return
	}
	calTopic := b.prefix + "/" + deviceTopicName(dev) + "/calibrate"
	b.client.Subscribe(calTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCalibrateCommand(ieee, msg.Payload())
	})
}

// handleCalibrateCommand starts a calibration run in the background. The
// outcome reaches the calibration topic through the event bus.
func (b *Bridge) handleCalibrateCommand(ieee string, payload []byte) {
	var req struct {
		Test bool `json:"test"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			b.logger.Warn("invalid calibrate payload", "ieee", ieee, "err", err)
			return
		}
	}

	go func() {
		if _, err := b.engine.Calibrate(b.ctx, ieee, req.Test); err != nil {
			b.logger.Warn("calibration rejected", "ieee", ieee, "err", err)
			topic := b.prefix + "/" + b.topicName(ieee) + "/calibration"
			b.publish(topic, mustJSON(map[string]any{
				"ieee":    ieee,
				"success": false,
				"error":   err.Error(),
			}), true)
		}
	}()
}

func (b *Bridge) handleCommand(ieee string, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "ieee", ieee, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	ep, err := b.coord.ResolveEndpoint(ctx, ieee, ubisys.ClusterWindowCovering)
	if err != nil {
		b.logger.Warn("command for device without covering cluster", "ieee", ieee, "err", err)
		return
	}

	if state, ok := cmd["state"].(string); ok {
		var commandID uint8
		switch strings.ToUpper(state) {
		case "OPEN":
			commandID = ubisys.CmdUpOpen
		case "CLOSE":
			commandID = ubisys.CmdDownClose
		case "STOP":
			commandID = ubisys.CmdStop
		default:
			b.logger.Warn("unknown state command", "ieee", ieee, "state", state)
			return
		}
		if err := b.coord.SendCommand(ctx, ieee, ep, ubisys.ClusterWindowCovering, commandID, nil); err != nil {
			b.logger.Warn("cover command failed", "ieee", ieee, "state", state, "err", err)
		}
	}

	// HA position: 100 = fully open. ZCL lift percentage: 0 = fully open.
	if pos, ok := toFloat64(cmd["position"]); ok {
		lift := haPositionToLift(pos)
		if err := b.coord.SendCommand(ctx, ieee, ep, ubisys.ClusterWindowCovering, ubisys.CmdGoToLiftPercentage, []byte{lift}); err != nil {
			b.logger.Warn("position command failed", "ieee", ieee, "err", err)
		}
	}

	if tilt, ok := toFloat64(cmd["tilt"]); ok {
		pct := clampPercent(tilt)
		if err := b.coord.SendCommand(ctx, ieee, ep, ubisys.ClusterWindowCovering, ubisys.CmdGoToTiltPercentage, []byte{pct}); err != nil {
			b.logger.Warn("tilt command failed", "ieee", ieee, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// topicName returns the MQTT topic name for a device by IEEE.
func (b *Bridge) topicName(ieee string) string {
	dev, err := b.coord.Devices().GetDevice(ieee)
	if err != nil {
		return ieee
	}
	return deviceTopicName(dev)
}

// mapAttributeToProperty maps reported cluster/attribute combos to state
// property names, converting values where HA expects a different shape.
func mapAttributeToProperty(clusterID uint16, attrName string, value interface{}) (string, interface{}) {
	switch clusterID {
	case 0x0102: // Window Covering
		switch attrName {
		case "CurrentPositionLiftPercentage":
			if lift, ok := toFloat64(value); ok {
				return "position", 100 - clampPercent(lift)
			}
		case "CurrentPositionTiltPercentage":
			if tilt, ok := toFloat64(value); ok {
				return "tilt", clampPercent(tilt)
			}
		case "OperationalStatus":
			if status, ok := toFloat64(value); ok {
				return "moving", status != 0
			}
		}
	case 0x0006: // On/Off
		if attrName == "OnOff" {
			if on, ok := value.(bool); ok {
				if on {
					return "state", "ON"
				}
				return "state", "OFF"
			}
		}
	case 0x0001: // Power Configuration
		if attrName == "BatteryPercentageRemaining" {
			return "battery", value
		}
	}
	return "", nil
}

func haPositionToLift(pos float64) uint8 {
	return 100 - clampPercent(pos)
}

func clampPercent(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
