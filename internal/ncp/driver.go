package ncp

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Driver implements NCP for an nRF52840 running ZBOSS NCP firmware.
type Driver struct {
	port     serial.Port
	portName string
	portMode *serial.Mode
	reader   *bufio.Reader
	logger   *slog.Logger

	// HL-level request/response tracking (keyed by TSN).
	hlTSN     atomic.Uint32
	hlPending map[uint8]chan *zbossFrame
	hlMu      sync.Mutex

	// LL-level packet sequencing and ACK.
	llPktSeq uint8 // our 2-bit send sequence
	llSeqMu  sync.Mutex
	llAckCh  chan uint8 // received ACK sequence numbers
	writeMu  sync.Mutex

	// ZCL sequence number for outgoing ZCL frames.
	zclSeq atomic.Uint32

	// ZCL-level response tracking (keyed by ZCL sequence number). Both Read
	// Attributes Responses and Write Attributes Responses land here.
	zclPending map[uint8]chan []byte
	zclMu      sync.Mutex

	// Indication callbacks.
	handlerMu  sync.RWMutex
	onJoined   func(DeviceJoinedEvent)
	onLeft     func(DeviceLeftEvent)
	onAnnounce func(DeviceAnnounceEvent)
	onReport   func(AttributeReportEvent)

	// Signaled when NCPResetInd is received (used by resetAndReconnect).
	resetIndCh chan struct{}

	ncpInfo NCPInfo

	// lifecycleMu protects concurrent resetState/Close access to port, done,
	// llAckCh, closeOnce. Must be held when transitioning between states.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool // set after final Close, prevents resetState on closed NCP
	wg          sync.WaitGroup
}

var _ NCP = (*Driver)(nil)

// NewDriver opens the serial port and starts the read loop.
func NewDriver(portName string, baudRate int, logger *slog.Logger) (*Driver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ncp: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS for NCP firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	d := &Driver{
		port:       port,
		portName:   portName,
		portMode:   mode,
		reader:     bufio.NewReader(port),
		logger:     logger,
		hlPending:  make(map[uint8]chan *zbossFrame),
		zclPending: make(map[uint8]chan []byte),
		llAckCh:    make(chan uint8, 4),
		resetIndCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

// nextTSN allocates the next HL transaction sequence number.
func (d *Driver) nextTSN() uint8 {
	return uint8(d.hlTSN.Add(1))
}

// nextZCLSeq allocates the next ZCL sequence number.
func (d *Driver) nextZCLSeq() uint8 {
	return uint8(d.zclSeq.Add(1))
}

// nextPktSeq advances the LL packet sequence (cycles 1→2→3→1).
func (d *Driver) nextPktSeq() uint8 {
	d.llSeqMu.Lock()
	d.llPktSeq = d.llPktSeq%3 + 1
	seq := d.llPktSeq
	d.llSeqMu.Unlock()
	return seq
}

// --- Transport: write with LL ACK ---

const (
	llACKTimeout = 500 * time.Millisecond
	llMaxRetries = 3
)

// request sends an HL request and waits for the HL response.
func (d *Driver) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	tsn := d.nextTSN()

	ch := make(chan *zbossFrame, 1)
	d.hlMu.Lock()
	d.hlPending[tsn] = ch
	d.hlMu.Unlock()
	defer func() {
		d.hlMu.Lock()
		delete(d.hlPending, tsn)
		d.hlMu.Unlock()
	}()

	pktSeq := d.nextPktSeq()
	raw := zbossEncodeRequest(callID, tsn, pktSeq, payload)

	// Write with LL ACK retry.
	if err := d.writeWithACK(ctx, raw, pktSeq); err != nil {
		return nil, fmt.Errorf("ncp write cmd 0x%04X: %w", callID, err)
	}

	cmdName := zbossCmdName(callID)
	d.logger.Debug("zboss TX", "cmd", cmdName, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	// Wait for HL response.
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("ncp reset: request cancelled")
		}
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if resp.HL.StatusCat != 0 || resp.HL.StatusCode != 0 {
			d.logger.Warn("zboss RX", "cmd", cmdName, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
			return resp, fmt.Errorf("zboss %s: %s", cmdName, status)
		}
		d.logger.Debug("zboss RX", "cmd", cmdName, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		d.logger.Warn("zboss timeout", "cmd", cmdName, "tsn", tsn, "err", ctx.Err())
		return nil, ctx.Err()
	case <-d.done:
		return nil, fmt.Errorf("ncp closed")
	}
}

// writeWithACK writes a raw ZBOSS frame and waits for LL ACK with retries.
func (d *Driver) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	for attempt := 0; attempt <= llMaxRetries; attempt++ {
		d.writeMu.Lock()
		_, err := d.port.Write(frame)
		d.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}

		// Wait for matching ACK, draining stale ACKs within the timeout window.
		deadline := time.NewTimer(llACKTimeout)
	waitACK:
		for {
			select {
			case ackSeq := <-d.llAckCh:
				if ackSeq == pktSeq {
					deadline.Stop()
					return nil
				}
				// Wrong ACK seq (stale from previous frame), drain and keep waiting.
				d.logger.Debug("zboss LL stale ACK drained", "got", ackSeq, "want", pktSeq)
			case <-deadline.C:
				d.logger.Warn("zboss LL ACK timeout", "attempt", attempt+1, "pktSeq", pktSeq)
				break waitACK
			case <-ctx.Done():
				deadline.Stop()
				return ctx.Err()
			case <-d.done:
				deadline.Stop()
				return fmt.Errorf("ncp closed")
			}
		}
	}
	return fmt.Errorf("zboss LL ACK timeout after %d retries", llMaxRetries+1)
}

// sendACK sends an LL ACK for the given packet sequence.
func (d *Driver) sendACK(pktSeq uint8) {
	raw := zbossEncodeACK(pktSeq)
	d.writeMu.Lock()
	_, err := d.port.Write(raw)
	d.writeMu.Unlock()
	if err != nil {
		d.logger.Error("zboss send ACK failed", "err", err)
	}
}

// --- Transport: read loop ---

func (d *Driver) readLoop() {
	defer d.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-d.done:
			return
		default:
		}

		raw, err := readRawFrame(d.reader)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				if err != io.EOF && !strings.Contains(err.Error(), "closed") {
					d.logger.Error("ncp read error", "err", err)
				}
				select {
				case <-time.After(backoff):
				case <-d.done:
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
		}
		backoff = 10 * time.Millisecond

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			d.logger.Warn("ncp zboss decode error", "err", err)
			continue
		}

		// Handle LL ACK frames.
		if zbossLLIsACK(frame.LL.Flags) {
			ackSeq := zbossLLAckSeq(frame.LL.Flags)
			select {
			case d.llAckCh <- ackSeq:
			default:
			}
			continue
		}

		// Data frame — send LL ACK.
		pktSeq := zbossLLPktSeq(frame.LL.Flags)
		d.sendACK(pktSeq)

		switch frame.HL.PacketType {
		case zbossHLResponse:
			d.hlMu.Lock()
			ch, ok := d.hlPending[frame.HL.TSN]
			d.hlMu.Unlock()
			if ok {
				select {
				case ch <- frame:
				default:
				}
			} else {
				status := zbossStatusName(frame.HL.StatusCat, frame.HL.StatusCode)
				d.logger.Warn("zboss orphaned response (too late)",
					"cmd", zbossCmdName(frame.HL.CallID),
					"tsn", frame.HL.TSN,
					"status", status)
			}

		case zbossHLIndication:
			d.handleIndication(frame)
		}
	}
}

// --- Indication handlers ---

func (d *Driver) handleIndication(f *zbossFrame) {
	d.handlerMu.RLock()
	onJoined := d.onJoined
	onLeft := d.onLeft
	onAnnounce := d.onAnnounce
	onReport := d.onReport
	d.handlerMu.RUnlock()

	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// Payload: nwk_addr(2) + ieee(8) + capability(1)
		if onAnnounce != nil && len(f.Payload) >= 11 {
			evt := DeviceAnnounceEvent{
				ShortAddr:  binary.LittleEndian.Uint16(f.Payload[0:2]),
				Capability: f.Payload[10],
			}
			copy(evt.IEEEAddr[:], f.Payload[2:10])
			onAnnounce(evt)
		}

	case zbossCmdZDODevUpdateInd:
		// Payload: ieee(8) + nwk_addr(2) + status(1)
		if len(f.Payload) >= 11 {
			var ieee [8]byte
			copy(ieee[:], f.Payload[0:8])
			shortAddr := binary.LittleEndian.Uint16(f.Payload[8:10])
			status := f.Payload[10]

			d.logger.Info("DevUpdateInd", "ieee", fmt.Sprintf("%016X", ieee),
				"short", fmt.Sprintf("0x%04X", shortAddr), "status", status)

			switch status {
			case zbossDevUpdateSecureRejoin, zbossDevUpdateUnsecureJoin, zbossDevUpdateTCRejoin:
				if onJoined != nil {
					onJoined(DeviceJoinedEvent{ShortAddr: shortAddr, IEEEAddr: ieee})
				}
			case zbossDevUpdateLeft:
				if onLeft != nil {
					onLeft(DeviceLeftEvent{ShortAddr: shortAddr, IEEEAddr: ieee})
				}
			default:
				d.logger.Warn("DevUpdateInd unknown status", "status", status)
			}
		}

	case zbossCmdNwkLeaveInd:
		// Payload: ieee(8) + rejoin(1)
		if len(f.Payload) >= 8 {
			var ieee [8]byte
			copy(ieee[:], f.Payload[0:8])
			rejoin := false
			if len(f.Payload) >= 9 {
				rejoin = f.Payload[8] != 0
			}
			d.logger.Info("NwkLeaveInd", "ieee", fmt.Sprintf("%016X", ieee), "rejoin", rejoin)
			if onLeft != nil && !rejoin {
				onLeft(DeviceLeftEvent{IEEEAddr: ieee})
			}
		}

	case zbossCmdAPSDEDataInd:
		d.handleAPSDEDataInd(f.Payload, onReport)

	case zbossCmdNCPResetInd:
		d.logger.Warn("NCPResetInd received")
		select {
		case d.resetIndCh <- struct{}{}:
		default:
		}

	case zbossCmdSecurTCLKInd:
		// TCLK was successfully exchanged with a device.
		if len(f.Payload) >= 8 {
			var ieee [8]byte
			copy(ieee[:], f.Payload[0:8])
			d.logger.Info("SECUR_TCLK_IND: TC link key exchanged", "ieee", fmt.Sprintf("%016X", ieee))
		}

	case zbossCmdSecurTCLKExchangeFailInd:
		// TCLK exchange failed. Payload: status_category(1) + status_code(1).
		if len(f.Payload) >= 2 {
			d.logger.Error("SECUR_TCLK_EXCHANGE_FAILED", "status", zbossStatusName(f.Payload[0], f.Payload[1]))
		}

	case zbossCmdZDODevAuthorizedInd:
		if len(f.Payload) >= 8 {
			var ieee [8]byte
			copy(ieee[:], f.Payload[0:8])
			d.logger.Info("ZDO_DevAuthorized", "ieee", fmt.Sprintf("%016X", ieee))
		}

	default:
		d.logger.Warn("zboss unhandled indication",
			"cmd", zbossCmdName(f.HL.CallID),
			"payload", fmt.Sprintf("%X", f.Payload))
	}
}

// handleAPSDEDataInd parses APSDE_DATA_IND and dispatches ZCL responses and reports.
func (d *Driver) handleAPSDEDataInd(payload []byte, onReport func(AttributeReportEvent)) {
	if len(payload) < 25 {
		return
	}
	// param_len(1) + data_len(2) + aps_fc(1) + src_nwk_addr(2) + dst_nwk_addr(2) +
	// group_addr(2) + dst_endpoint(1) + src_endpoint(1) + cluster_id(2) + profile_id(2) +
	// aps_counter(1) + src_mac_addr(2) + dst_mac_addr(2) + lqi(1) + rssi(1) + aps_key_attr(1) + data[]
	dataLen := binary.LittleEndian.Uint16(payload[1:3])
	srcAddr := binary.LittleEndian.Uint16(payload[4:6])
	srcEP := payload[11]
	clusterID := binary.LittleEndian.Uint16(payload[12:14])
	lqi := payload[21]
	rssi := int8(payload[22])

	const apsHdrSize = 24
	if int(dataLen) == 0 || len(payload) < apsHdrSize+int(dataLen) {
		return
	}
	zclData := payload[apsHdrSize : apsHdrSize+int(dataLen)]

	// Parse ZCL frame header, accounting for manufacturer-specific frames.
	// Format: frame_control(1) + [mfr_code(2)] + seq(1) + cmd_id(1)
	if len(zclData) < 3 {
		return
	}
	frameCtrl := zclData[0]
	hdrLen := 3 // frame_control + seq + cmd_id
	if frameCtrl&zclFlagMfrSpecific != 0 {
		hdrLen += 2 // manufacturer code
	}
	if len(zclData) < hdrLen {
		return
	}
	zclSeq := zclData[hdrLen-2]
	cmdID := zclData[hdrLen-1]

	if frameCtrl&0x03 != zclFrameTypeGlobal {
		return
	}

	records := zclData[hdrLen:]

	switch cmdID {
	case zclCmdReadAttributesRsp, zclCmdWriteAttributesRsp:
		// Dispatch to the pending caller by ZCL sequence number.
		d.zclMu.Lock()
		ch, ok := d.zclPending[zclSeq]
		d.zclMu.Unlock()
		if ok {
			select {
			case ch <- records:
			default:
			}
		}

	case zclCmdReportAttributes:
		if onReport == nil {
			return
		}
		reports := zclParseAttributeReports(records)
		for _, rpt := range reports {
			rpt.SrcAddr = srcAddr
			rpt.SrcEP = srcEP
			rpt.ClusterID = clusterID
			rpt.LQI = lqi
			rpt.RSSI = rssi
			onReport(rpt)
		}
	}
}

// --- NCP interface: Network management ---

// ZBOSS NCP reset options.
const (
	zbossResetNoOption uint8 = 0x00
	zbossResetFactory  uint8 = 0x02
)

// resetAndReconnect sends an NCP reset command and waits for USB to re-enumerate.
// After reset the nRF52840 USB device disconnects and reconnects, so we must
// close the old serial port and reopen it.
func (d *Driver) resetAndReconnect(ctx context.Context, option uint8) error {
	optName := "reset"
	if option == zbossResetFactory {
		optName = "factory reset"
	}

	// Send reset with all 3 possible LL packet sequences. After a process
	// restart the NCP's expected sequence is unknown (stale from the previous
	// session), so only the matching one will be accepted. Fire-and-forget:
	// the NCP reboots immediately on a valid reset, ACK may never arrive.
	tsn := d.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		raw := zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option})
		d.writeMu.Lock()
		_, _ = d.port.Write(raw)
		d.writeMu.Unlock()
	}
	time.Sleep(100 * time.Millisecond) // let the NCP process before we close the port
	d.logger.Info("NCP "+optName+" sent, waiting for USB reconnect...")

	// Stop the read loop and close the port — NCP will disconnect from USB.
	// Close port first to unblock readLoop's blocking serial read, then wait.
	d.lifecycleMu.Lock()
	d.closeOnce.Do(func() { close(d.done) })
	d.port.Close()
	d.lifecycleMu.Unlock()
	d.wg.Wait()

	// nRF52840 USB re-enumerates after reset (may do 2 cycles on factory reset).
	// Retry opening the port and verifying NCP responds.
	for attempt := 1; attempt <= 30; attempt++ {
		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		port, err := serial.Open(d.portName, d.portMode)
		if err != nil {
			d.logger.Debug("waiting for NCP USB", "attempt", attempt, "err", err)
			continue
		}
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)

		// Reset internal state and restart read loop with new port.
		d.resetState(port)

		// Verify NCP is alive with a quick GetModuleVersion.
		probeCtx, probeCancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = d.request(probeCtx, zbossCmdGetModuleVersion, nil)
		probeCancel()
		if err == nil {
			d.logger.Info("NCP reconnected after "+optName, "attempts", attempt)
			// Wait for NCPResetInd — signals ZBOSS stack is fully initialized.
			// Without this, NwkFormation may fail with NO_MATCH.
			select {
			case <-d.resetIndCh:
				d.logger.Info("NCPResetInd confirmed, NCP fully ready")
			case <-time.After(3 * time.Second):
				d.logger.Warn("NCPResetInd not received, proceeding anyway")
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		// NCP opened but not responding (probably mid reboot cycle).
		d.logger.Debug("NCP not ready yet, retrying", "attempt", attempt, "err", err)
		d.lifecycleMu.Lock()
		d.closeOnce.Do(func() { close(d.done) })
		port.Close()
		d.lifecycleMu.Unlock()
		d.wg.Wait()
	}

	return fmt.Errorf("NCP did not recover after %s", optName)
}

func (d *Driver) Reset(ctx context.Context) error {
	return d.resetAndReconnect(ctx, zbossResetNoOption)
}

func (d *Driver) FactoryReset(ctx context.Context) error {
	return d.resetAndReconnect(ctx, zbossResetFactory)
}

// resetState reinitializes internal state with a new serial port.
// Caller must ensure the previous readLoop has exited (wg.Wait) before calling.
func (d *Driver) resetState(port serial.Port) {
	d.lifecycleMu.Lock()
	d.port = port
	d.reader = bufio.NewReader(port)
	d.done = make(chan struct{})
	d.llAckCh = make(chan uint8, 4)
	d.resetIndCh = make(chan struct{}, 1)
	d.closeOnce = sync.Once{}
	d.lifecycleMu.Unlock()

	// Drain and close old pending channels to unblock any waiting goroutines.
	d.hlMu.Lock()
	for tsn, ch := range d.hlPending {
		close(ch)
		delete(d.hlPending, tsn)
	}
	d.hlPending = make(map[uint8]chan *zbossFrame)
	d.hlMu.Unlock()

	d.zclMu.Lock()
	for seq, ch := range d.zclPending {
		close(ch)
		delete(d.zclPending, seq)
	}
	d.zclPending = make(map[uint8]chan []byte)
	d.zclMu.Unlock()

	d.llSeqMu.Lock()
	d.llPktSeq = 0
	d.llSeqMu.Unlock()
	d.hlTSN.Store(0)
	d.zclSeq.Store(0)

	d.wg.Add(1)
	go d.readLoop()
}

func (d *Driver) Init(ctx context.Context) error {
	resp, err := d.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) >= 12 {
		fw := binary.LittleEndian.Uint32(resp.Payload[0:4])
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		proto := binary.LittleEndian.Uint32(resp.Payload[8:12])
		stackStr := fmt.Sprintf("%d.%d.%d.%d", (stack>>24)&0xFF, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF)
		d.ncpInfo = NCPInfo{
			FWVersion:       fw,
			StackVersion:    stackStr,
			ProtocolVersion: proto,
		}
		d.logger.Info("NCP module version", "fw", fw, "stack", stackStr, "protocol", proto)
	}

	// Set Trust Center policies for legacy support (before form or resume).
	// Legacy security: well-known ZigBeeAlliance09 key, no install codes.
	tcPolicies := []struct {
		typ  uint16
		val  uint8
		name string
	}{
		{zbossTCPolicyLinkKeysRequired, 0, "TC link keys required=false"},
		{zbossTCPolicyICRequired, 0, "IC required=false"},
		{zbossTCPolicyTCRejoinEnabled, 1, "TC rejoin enabled=true"},
		{zbossTCPolicyIgnoreTCRejoin, 0, "ignore TC rejoin=false"},
		{zbossTCPolicyAPSInsecureJoin, 0, "APS insecure join=false"},
		{zbossTCPolicyDisableNwkMgmtChanUpd, 0, "disable mgmt chan update=false"},
	}
	for _, p := range tcPolicies {
		if err := d.setTCPolicy(ctx, p.typ, p.val); err != nil {
			return fmt.Errorf("set TC policy %s: %w", p.name, err)
		}
	}

	return nil
}

// setTCPolicy sets a single Trust Center policy value.
// Payload: policy_type(2 LE) + value(1).
func (d *Driver) setTCPolicy(ctx context.Context, policyType uint16, value uint8) error {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], policyType)
	buf[2] = value
	_, err := d.request(ctx, zbossCmdSetTCPolicy, buf)
	return err
}

func (d *Driver) FormNetwork(ctx context.Context, cfg NetworkConfig) error {
	// 1. Set coordinator role.
	if _, err := d.request(ctx, zbossCmdSetZigbeeRole, []byte{zbossRoleCoordinator}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}

	// 2. Set extended PAN ID (before channel mask).
	if _, err := d.request(ctx, zbossCmdSetExtPanID, cfg.ExtPanID[:]); err != nil {
		return fmt.Errorf("set ext pan id: %w", err)
	}

	// 3. Set channel mask: page(1) + mask(4).
	chanBuf := make([]byte, 5)
	chanBuf[0] = 0x00 // channel page 0 (2.4 GHz)
	binary.LittleEndian.PutUint32(chanBuf[1:], 1<<uint(cfg.Channel))
	if _, err := d.request(ctx, zbossCmdSetChannelMask, chanBuf); err != nil {
		return fmt.Errorf("set channel mask: %w", err)
	}

	// 4. Generate and set a random network key.
	nwkKey := make([]byte, 17) // key(16) + key_seq_num(1)
	if _, err := rand.Read(nwkKey[:16]); err != nil {
		return fmt.Errorf("generate nwk key: %w", err)
	}
	nwkKey[16] = 0x00 // key sequence number
	if _, err := d.request(ctx, zbossCmdSetNwkKey, nwkKey); err != nil {
		return fmt.Errorf("set nwk key: %w", err)
	}
	d.ncpInfo.NetworkKey = make([]byte, 16)
	copy(d.ncpInfo.NetworkKey, nwkKey[:16])
	d.logger.Info("network key set")

	// 5. Form network: channelList(1+5) + scanDuration(1) + distNetFlag(1) + distNetAddr(2) + extPanId(8)
	formBuf := make([]byte, 18)
	formBuf[0] = 0x01                                                 // 1 channel entry
	formBuf[1] = 0x00                                                 // page 0
	binary.LittleEndian.PutUint32(formBuf[2:6], 1<<uint(cfg.Channel)) // channel mask
	formBuf[6] = 0x05                                                 // scan duration
	formBuf[7] = 0x00                                                 // centralized network (ZC)
	binary.LittleEndian.PutUint16(formBuf[8:10], 0x0000)              // distributed net addr (unused)
	copy(formBuf[10:18], cfg.ExtPanID[:])
	// NwkFormation may fail transiently after factory reset (NO_MATCH) while
	// the NCP MAC layer finishes initialization. Retry with delay.
	var formErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, formErr = d.request(ctx, zbossCmdNwkFormation, formBuf); formErr == nil {
			break
		}
		d.logger.Warn("NwkFormation failed, retrying", "attempt", attempt, "err", formErr)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if formErr != nil {
		return fmt.Errorf("form network: %w", formErr)
	}

	// 6. Set PAN ID AFTER formation (required by ZBOSS NCP).
	panBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(panBuf, cfg.PanID)
	if _, err := d.request(ctx, zbossCmdSetPanID, panBuf); err != nil {
		return fmt.Errorf("set pan id: %w", err)
	}

	// 7. Set RxOnWhenIdle=true so coordinator listens for incoming frames.
	if _, err := d.request(ctx, zbossCmdSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}

	// 8. Set end device timeout (256 minutes).
	if _, err := d.request(ctx, zbossCmdSetEDTimeout, []byte{0x08}); err != nil {
		d.logger.Warn("set ED timeout", "err", err)
	}

	// 9. Set max children.
	if _, err := d.request(ctx, zbossCmdSetMaxChildren, []byte{100}); err != nil {
		d.logger.Warn("set max children", "err", err)
	}

	// 10. Wait for PAN ID to persist.
	time.Sleep(1 * time.Second)

	return nil
}

func (d *Driver) StartNetwork(ctx context.Context) error {
	if _, err := d.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return err
	}

	// Register endpoint 1 with HA profile (after start).
	epDesc := buildSimpleDescPayload(1, zclProfileHA, 0x0005, 0, nil, nil)
	if _, err := d.request(ctx, zbossCmdAFSetSimpleDesc, epDesc); err != nil {
		return fmt.Errorf("register EP1: %w", err)
	}

	return nil
}

func (d *Driver) PermitJoin(ctx context.Context, duration uint8) error {
	// ZDO_PERMIT_JOINING_REQ: dest_short(2) + duration(1) + tc_significance(1)
	buf := []byte{0x00, 0x00, duration, 0x01}
	_, err := d.request(ctx, zbossCmdZDOPermitJoiningReq, buf)
	return err
}

func (d *Driver) MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error {
	// ZDO_MGMT_LEAVE_REQ: dest_short(2) + ieee(8) + flags(1)
	// flags=0x00: leave permanently, no rejoin
	buf := make([]byte, 11)
	binary.LittleEndian.PutUint16(buf[0:2], shortAddr)
	copy(buf[2:10], ieeeAddr[:])
	buf[10] = 0x00
	_, err := d.request(ctx, zbossCmdZDOMgmtLeaveReq, buf)
	return err
}

func (d *Driver) NetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	info := &NetworkInfo{}
	var lastErr error

	resp, err := d.request(ctx, zbossCmdGetChannel, nil)
	if err == nil && len(resp.Payload) >= 2 {
		// Response: channel_page(1) + channel(1)
		info.Channel = resp.Payload[1]
	} else if err != nil {
		lastErr = err
	}

	resp, err = d.request(ctx, zbossCmdGetPanID, nil)
	if err == nil && len(resp.Payload) >= 2 {
		info.PanID = binary.LittleEndian.Uint16(resp.Payload)
	} else if err != nil {
		lastErr = err
	}

	resp, err = d.request(ctx, zbossCmdGetExtPanID, nil)
	if err == nil && len(resp.Payload) >= 8 {
		copy(info.ExtPanID[:], resp.Payload[:8])
	} else if err != nil {
		lastErr = err
	}

	if info.Channel == 0 && info.PanID == 0 && lastErr != nil {
		return nil, fmt.Errorf("network info: all queries failed: %w", lastErr)
	}
	return info, nil
}

func (d *Driver) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	var ieee [8]byte
	// Request: mac_interface_num(1) = 0
	resp, err := d.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return ieee, fmt.Errorf("get local ieee: %w", err)
	}
	// Response: mac_interface_num(1) + ieee(8)
	if len(resp.Payload) >= 9 {
		copy(ieee[:], resp.Payload[1:9])
	}
	return ieee, nil
}

// --- NCP interface: ZDO ---

func (d *Driver) ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, shortAddr)
	resp, err := d.request(ctx, zbossCmdZDOActiveEPReq, buf)
	if err != nil {
		return nil, err
	}
	// ZBOSS response payload: ep_count(1) + ep_list[count] + nwk_addr(2)
	if len(resp.Payload) < 1 {
		return nil, fmt.Errorf("zboss: active EP response empty")
	}
	count := int(resp.Payload[0])
	if len(resp.Payload) < 1+count {
		return nil, fmt.Errorf("zboss: active EP payload truncated: need %d, have %d", 1+count, len(resp.Payload))
	}
	eps := make([]uint8, count)
	copy(eps, resp.Payload[1:1+count])
	d.logger.Info("active endpoints", "short", fmt.Sprintf("0x%04X", shortAddr), "endpoints", eps)
	return eps, nil
}

func (d *Driver) SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*SimpleDescriptor, error) {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf, shortAddr)
	buf[2] = endpoint
	resp, err := d.request(ctx, zbossCmdZDOSimpleDescReq, buf)
	if err != nil {
		return nil, err
	}
	// ZBOSS response payload: ep(1) + profile(2) + device_type(2) + device_version(1) +
	//   in_count(1) + out_count(1) + in_clusters[in_count*2] + out_clusters[out_count*2] + nwk_addr(2)
	if len(resp.Payload) < 8 {
		return nil, fmt.Errorf("zboss: simple desc response too short: %d bytes", len(resp.Payload))
	}
	sd := &SimpleDescriptor{
		Endpoint:  resp.Payload[0],
		ProfileID: binary.LittleEndian.Uint16(resp.Payload[1:3]),
		DeviceID:  binary.LittleEndian.Uint16(resp.Payload[3:5]),
	}
	// Payload[5] = device_version (skip)
	inCount := int(resp.Payload[6])
	outCount := int(resp.Payload[7])
	pos := 8
	for i := 0; i < inCount && pos+2 <= len(resp.Payload); i++ {
		sd.InClusters = append(sd.InClusters, binary.LittleEndian.Uint16(resp.Payload[pos:pos+2]))
		pos += 2
	}
	for i := 0; i < outCount && pos+2 <= len(resp.Payload); i++ {
		sd.OutClusters = append(sd.OutClusters, binary.LittleEndian.Uint16(resp.Payload[pos:pos+2]))
		pos += 2
	}
	d.logger.Info("simple descriptor",
		"short", fmt.Sprintf("0x%04X", shortAddr),
		"ep", sd.Endpoint,
		"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
		"device", fmt.Sprintf("0x%04X", sd.DeviceID),
		"in", fmt.Sprintf("%v", sd.InClusters),
		"out", fmt.Sprintf("%v", sd.OutClusters))
	return sd, nil
}

// --- NCP interface: ZCL (all via APSDE_DATA_REQ) ---

// awaitZCLResponse registers a pending channel for the given ZCL sequence
// number, sends the APS payload, and waits for the device's ZCL response.
func (d *Driver) awaitZCLResponse(ctx context.Context, seq uint8, apsPayload []byte) ([]byte, error) {
	ch := make(chan []byte, 1)
	d.zclMu.Lock()
	d.zclPending[seq] = ch
	d.zclMu.Unlock()
	defer func() {
		d.zclMu.Lock()
		delete(d.zclPending, seq)
		d.zclMu.Unlock()
	}()

	// Send the APSDE_DATA_REQ (this confirms transmission, not the ZCL response).
	if _, err := d.request(ctx, zbossCmdAPSDEDataReq, apsPayload); err != nil {
		return nil, err
	}

	// Wait for the ZCL response arriving via APSDE_DATA_IND.
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, fmt.Errorf("ncp closed")
	}
}

func (d *Driver) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error) {
	d.logger.Debug("ZCL read attrs TX",
		"short", fmt.Sprintf("0x%04X", req.DstAddr),
		"ep", req.DstEP,
		"cluster", fmt.Sprintf("0x%04X", req.ClusterID),
		"attrs", fmt.Sprintf("%v", req.AttrIDs))

	seq := d.nextZCLSeq()
	zclFrame := zclBuildReadAttributes(seq, req.Manufacturer, req.AttrIDs)
	apsPayload := buildAPSDEDataReq(req.DstAddr, req.DstEP, 1, req.ClusterID, zclProfileHA, 30, zclFrame)

	data, err := d.awaitZCLResponse(ctx, seq, apsPayload)
	if err != nil {
		return nil, err
	}
	results := parseAttributeResponses(data)
	for _, r := range results {
		d.logger.Debug("ZCL read attrs RX",
			"short", fmt.Sprintf("0x%04X", req.DstAddr),
			"cluster", fmt.Sprintf("0x%04X", req.ClusterID),
			"attr", fmt.Sprintf("0x%04X", r.AttrID),
			"status", r.Status,
			"type", fmt.Sprintf("0x%02X", r.DataType),
			"value", fmt.Sprintf("%X", r.Value))
	}
	return results, nil
}

func (d *Driver) WriteAttributes(ctx context.Context, req WriteAttributesRequest) ([]WriteStatus, error) {
	seq := d.nextZCLSeq()
	zclFrame := zclBuildWriteAttributes(seq, req.Manufacturer, req.Records)
	apsPayload := buildAPSDEDataReq(req.DstAddr, req.DstEP, 1, req.ClusterID, zclProfileHA, 30, zclFrame)

	data, err := d.awaitZCLResponse(ctx, seq, apsPayload)
	if err != nil {
		return nil, err
	}
	return parseWriteResponses(data), nil
}

func (d *Driver) SendCommand(ctx context.Context, req ClusterCommandRequest) error {
	zclFrame := zclBuildClusterCommand(d.nextZCLSeq(), req.CommandID, req.Payload)
	apsPayload := buildAPSDEDataReq(req.DstAddr, req.DstEP, 1, req.ClusterID, zclProfileHA, 30, zclFrame)
	_, err := d.request(ctx, zbossCmdAPSDEDataReq, apsPayload)
	return err
}

// --- Indication callback setters ---

func (d *Driver) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onJoined = handler
}
func (d *Driver) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onLeft = handler
}
func (d *Driver) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onAnnounce = handler
}
func (d *Driver) OnAttributeReport(handler func(AttributeReportEvent)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onReport = handler
}

// GetNCPInfo returns a copy of cached firmware/stack/protocol version information.
func (d *Driver) GetNCPInfo() *NCPInfo {
	info := d.ncpInfo
	if d.ncpInfo.NetworkKey != nil {
		info.NetworkKey = make([]byte, len(d.ncpInfo.NetworkKey))
		copy(info.NetworkKey, d.ncpInfo.NetworkKey)
	}
	return &info
}

// Close stops the NCP and waits for readLoop to exit.
func (d *Driver) Close() error {
	d.lifecycleMu.Lock()
	if d.closed {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeOnce.Do(func() { close(d.done) })
	err := d.port.Close()
	d.lifecycleMu.Unlock()

	d.wg.Wait()

	d.hlMu.Lock()
	for tsn, ch := range d.hlPending {
		close(ch)
		delete(d.hlPending, tsn)
	}
	d.hlMu.Unlock()

	d.zclMu.Lock()
	for seq, ch := range d.zclPending {
		close(ch)
		delete(d.zclPending, seq)
	}
	d.zclMu.Unlock()

	return err
}
