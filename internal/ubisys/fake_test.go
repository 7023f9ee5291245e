package ubisys

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/ncp"
	"ubisys-bridge/internal/store"
	"ubisys-bridge/internal/zcl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeChannel simulates a J1 controller behind the channel contract.
type fakeChannel struct {
	mu       sync.Mutex
	endpoint uint8
	attrs    map[uint16]uint64

	// Motor simulation: a move command arms this many OperationalStatus
	// polls reporting activity before the motor reads as stalled.
	pollsUntilStall int
	remainingPolls  int

	// Step counts the device "measures" when a down move runs in
	// calibration mode. Zero leaves the stored counters untouched.
	measuredDown uint64
	measuredUp   uint64

	// Fault injection.
	statusReadErrs   int              // fail this many OperationalStatus reads
	refuse           map[uint16]uint8 // write refusals by attribute
	readbackOverride map[uint16]uint64
	resolveErr       error
	neverStall       bool
	failSecondDown   map[string]bool // per-device: fail the second down move
	downCounts       map[string]int
	modeReads        int
	failModeReadFrom int // fail every Mode read from this 1-based index on (0 = off)

	commands []uint8
	writes   []ncp.WriteRecord
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		endpoint: 1,
		attrs: map[uint16]uint64{
			AttrWindowCoveringType.ID: 0,
			AttrMode.ID:               0,
			AttrTotalSteps.ID:         uint64(SentinelSteps),
			AttrTotalSteps2.ID:        uint64(SentinelSteps),
			AttrLiftToTiltSteps.ID:    uint64(SentinelSteps),
			AttrLiftToTiltSteps2.ID:   uint64(SentinelSteps),
		},
		pollsUntilStall:  1,
		refuse:           make(map[uint16]uint8),
		readbackOverride: make(map[uint16]uint64),
		failSecondDown:   make(map[string]bool),
		downCounts:       make(map[string]int),
	}
}

func (f *fakeChannel) ReadAttributes(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, attrIDs []uint16, manufacturer uint16) ([]coordinator.AttributeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []coordinator.AttributeResult
	for _, id := range attrIDs {
		if id == AttrMode.ID {
			f.modeReads++
			if f.failModeReadFrom != 0 && f.modeReads >= f.failModeReadFrom {
				return nil, fmt.Errorf("transport timeout")
			}
		}
		if id == AttrOperationalStatus.ID {
			if f.statusReadErrs > 0 {
				f.statusReadErrs--
				return nil, fmt.Errorf("transport timeout")
			}
			var status uint64
			if f.neverStall {
				status = 0x01
			} else if f.remainingPolls > 0 {
				f.remainingPolls--
				status = 0x01
			}
			results = append(results, coordinator.AttributeResult{AttrID: id, Value: status})
			continue
		}
		val, ok := f.attrs[id]
		if !ok {
			results = append(results, coordinator.AttributeResult{AttrID: id, Status: 0x86})
			continue
		}
		results = append(results, coordinator.AttributeResult{AttrID: id, Value: val})
	}
	return results, nil
}

func (f *fakeChannel) WriteAttributes(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, records []ncp.WriteRecord, manufacturer uint16) ([]ncp.WriteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var statuses []ncp.WriteStatus
	for _, r := range records {
		f.writes = append(f.writes, r)
		if st, bad := f.refuse[r.AttrID]; bad {
			statuses = append(statuses, ncp.WriteStatus{AttrID: r.AttrID, Status: st})
			continue
		}
		val, _, err := zcl.DecodeValue(r.DataType, r.Value)
		if err != nil {
			return nil, err
		}
		num, _ := zcl.ToUint64(val)
		if override, ok := f.readbackOverride[r.AttrID]; ok {
			num = override
		}
		f.attrs[r.AttrID] = num
	}
	if len(statuses) == 0 {
		statuses = []ncp.WriteStatus{{Status: 0}}
	}
	return statuses, nil
}

func (f *fakeChannel) SendCommand(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, commandID uint8, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, commandID)
	if commandID == CmdDownClose {
		f.downCounts[ieee]++
		if f.failSecondDown[ieee] && f.downCounts[ieee] == 2 {
			return fmt.Errorf("command rejected by transport")
		}
	}
	switch commandID {
	case CmdUpOpen, CmdDownClose:
		f.remainingPolls = f.pollsUntilStall
		inCalibration := f.attrs[AttrMode.ID]&ModeCalibrationBit != 0
		if commandID == CmdDownClose && inCalibration && f.measuredDown > 0 {
			f.attrs[AttrTotalSteps.ID] = f.measuredDown
			f.attrs[AttrTotalSteps2.ID] = f.measuredUp
		}
	case CmdStop:
		f.remainingPolls = 0
	}
	return nil
}

func (f *fakeChannel) ResolveEndpoint(ctx context.Context, ieee string, clusterID uint16) (uint8, error) {
	if f.resolveErr != nil {
		return 0, f.resolveErr
	}
	return f.endpoint, nil
}

func (f *fakeChannel) attr(id uint16) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[id]
}

func (f *fakeChannel) sentCommands() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint8, len(f.commands))
	copy(out, f.commands)
	return out
}

// memStore is a minimal in-memory store for engine tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.IEEEAddress] = dev
	return nil
}
func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}
func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	return nil
}
func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, d)
	}
	return list, nil
}
func (m *memStore) UpdateDevice(ieee string, fn func(dev *store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return store.ErrNotFound
	}
	return fn(d)
}
func (m *memStore) SaveNetworkState(s *store.NetworkState) error { return nil }
func (m *memStore) GetNetworkState() (*store.NetworkState, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) Close() error { return nil }

const testIEEE = "001FEE0000012A3B"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxWait = 200 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.PositionPrepTime = time.Millisecond
	return cfg
}
