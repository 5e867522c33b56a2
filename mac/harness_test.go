package mac

import (
	"crypto/aes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/radio"
	"github.com/ellenhale/lorawan-mac/sm"
	"github.com/ellenhale/lorawan-mac/stream"
)

var (
	testDevEUI  = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	testJoinEUI = lorawan.EUI64{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
)

const testTPS = 1000000

// testClock is a manually advanced tick source with deterministic
// randomness.
type testClock struct {
	ticks uint32
	seed  uint32
}

func (c *testClock) Ticks() uint32 { return c.ticks }

func (c *testClock) Rand() uint32 {
	c.seed = c.seed*1664525 + 1013904223
	return c.seed
}

func (c *testClock) BatteryLevel() uint8 { return 100 }

type radioEvent struct {
	at      uint32
	status  radio.Status
	payload []byte
}

const noDeadline = 0xffffffff

// testRadio is a scripted radio: transmissions go to the test server,
// whose reply (if any) is delivered into the next receive window;
// everything is scheduled on the test clock.
type testRadio struct {
	clock *testClock
	srv   *testServer

	pending *radioEvent
	last    radio.Status
	queued  []byte
	rxBuf   []byte

	transmitted [][]byte
	txSettings  []radio.TxSetting
}

func newTestRadio(clock *testClock, srv *testServer) *testRadio {
	return &testRadio{clock: clock, srv: srv}
}

func (r *testRadio) SetMode(mode radio.Mode) error {
	if mode == radio.ModeReset || mode == radio.ModeSleep {
		r.pending = nil
	}
	return nil
}

func (r *testRadio) ReadEntropy() (uint32, error) { return 0xcafe, nil }

func (r *testRadio) ReadBuffer(meta *radio.Meta, data []byte) (int, error) {
	meta.RSSI = -42
	meta.SNR = 9
	return copy(data, r.rxBuf), nil
}

func (r *testRadio) Transmit(setting radio.TxSetting, data []byte) error {
	frame := append([]byte(nil), data...)
	r.transmitted = append(r.transmitted, frame)
	r.txSettings = append(r.txSettings, setting)

	if r.srv != nil {
		r.queued = r.srv.uplink(frame)
	}

	r.pending = &radioEvent{
		at:     r.clock.ticks + testTPS/20, // a token 50ms on the air
		status: radio.Status{TX: true},
	}
	return nil
}

func (r *testRadio) Receive(setting radio.RxSetting) error {
	if r.queued != nil {
		r.pending = &radioEvent{
			at:      r.clock.ticks + testTPS/100,
			status:  radio.Status{RX: true},
			payload: r.queued,
		}
		r.queued = nil
		return nil
	}
	timeout := uint32(setting.TimeoutSymbols) * (testTPS / 100)
	r.pending = &radioEvent{
		at:     r.clock.ticks + timeout + 1,
		status: radio.Status{Timeout: true},
	}
	return nil
}

func (r *testRadio) ReceiveEntropy() error { return nil }

func (r *testRadio) GetStatus() (radio.Status, error) { return r.last, nil }

func (r *testRadio) XtalDelay() uint32 { return 0 }

func (r *testRadio) nextEventIn() uint32 {
	if r.pending == nil {
		return noDeadline
	}
	if r.pending.at <= r.clock.ticks {
		return 0
	}
	return r.pending.at - r.clock.ticks
}

func (r *testRadio) fire() bool {
	if r.pending == nil || r.pending.at > r.clock.ticks {
		return false
	}
	r.last = r.pending.status
	if r.pending.status.RX {
		r.rxBuf = r.pending.payload
	}
	r.pending = nil
	return true
}

// testServer is a minimal 1.0 network-server stand-in. answer controls
// whether it responds at all; queue overrides the next response.
type testServer struct {
	t      *testing.T
	nwkKey [16]byte
	keys   *sm.Default

	netID   lorawan.NetID
	devAddr lorawan.DevAddr

	joinNonce uint32
	fcntDown  uint32

	answerJoins bool
	ackConfirmed bool
	queue       [][]byte // explicit downlinks, consumed first
}

func newTestServer(t *testing.T, nwkKey [16]byte) *testServer {
	return &testServer{
		t:           t,
		nwkKey:      nwkKey,
		keys:        sm.NewDefault(nwkKey, nwkKey),
		netID:       0x000013,
		devAddr:     0x26011bda,
		answerJoins: true,
		ackConfirmed: true,
	}
}

func (s *testServer) uplink(data []byte) []byte {
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		return next
	}

	f, err := lorawan.Decode(data)
	if err != nil {
		return nil
	}

	switch f.MHDR.MType() {
	case lorawan.MTypeJoinRequest:
		if !s.answerJoins {
			return nil
		}
		return s.joinAccept(f.DevNonce)
	case lorawan.MTypeConfirmedDataUp:
		if !s.ackConfirmed {
			return nil
		}
		return s.dataDownOpts(nil, nil, true)
	default:
		return nil
	}
}

func (s *testServer) joinAccept(devNonce lorawan.DevNonce) []byte {
	buf := make([]byte, 17)
	w := stream.NewWriter(buf)
	w.PutU8(byte(lorawan.NewMHDR(lorawan.MTypeJoinAccept, lorawan.MajorR1)))
	w.PutU24(s.joinNonce)
	w.PutU24(uint32(s.netID))
	w.PutU32(uint32(s.devAddr))
	w.PutU8(0) // DLSettings: RX1DROffset 0, RX2DR 0
	w.PutU8(1) // RXDelay
	require.False(s.t, w.Error())

	mic, err := s.keys.MIC(sm.Nwk, nil, buf[:13])
	require.NoError(s.t, err)
	binary.BigEndian.PutUint32(buf[13:], mic)

	block, err := aes.NewCipher(s.nwkKey[:])
	require.NoError(s.t, err)
	var out [16]byte
	block.Decrypt(out[:], buf[1:17])
	copy(buf[1:17], out[:])

	s.deriveSessionKeys(devNonce)
	s.fcntDown = 0
	return buf
}

func (s *testServer) deriveSessionKeys(devNonce lorawan.DevNonce) {
	var iv [16]byte
	iv[1] = byte(s.joinNonce)
	iv[2] = byte(s.joinNonce >> 8)
	iv[3] = byte(s.joinNonce >> 16)
	iv[4] = byte(s.netID)
	iv[5] = byte(s.netID >> 8)
	iv[6] = byte(s.netID >> 16)
	iv[7] = byte(devNonce)
	iv[8] = byte(devNonce >> 8)

	iv[0] = 2
	require.NoError(s.t, s.keys.UpdateSessionKey(sm.AppS, sm.Nwk, iv))
	iv[0] = 1
	require.NoError(s.t, s.keys.UpdateSessionKey(sm.FNwkSInt, sm.Nwk, iv))
	require.NoError(s.t, s.keys.UpdateSessionKey(sm.SNwkSInt, sm.Nwk, iv))
	require.NoError(s.t, s.keys.UpdateSessionKey(sm.NwkSEnc, sm.Nwk, iv))
}

// dataDownOpts builds an authenticated downlink: fopts carries
// plaintext MAC commands, the optional payload goes out on port 1
// encrypted with the AppSKey.
func (s *testServer) dataDownOpts(fopts, payload []byte, ack bool) []byte {
	size := 1 + 7 + len(fopts) + 4
	if payload != nil {
		size += 1 + len(payload)
	}
	buf := make([]byte, size)
	w := stream.NewWriter(buf)
	w.PutU8(byte(lorawan.NewMHDR(lorawan.MTypeUnconfirmedDataDown, lorawan.MajorR1)))
	w.PutU32(uint32(s.devAddr))
	w.PutU8(byte(lorawan.NewDownlinkFCtrl(false, ack, false, uint8(len(fopts)))))
	w.PutU16(uint16(s.fcntDown))
	w.PutBytes(fopts)

	if payload != nil {
		w.PutU8(1)
		enc := append([]byte(nil), payload...)
		var a [16]byte
		a[0] = 1
		a[5] = 1 // downlink
		binary.LittleEndian.PutUint32(a[6:10], uint32(s.devAddr))
		binary.LittleEndian.PutUint32(a[10:14], s.fcntDown)
		require.NoError(s.t, s.keys.CTR(sm.AppS, a, enc))
		w.PutBytes(enc)
	}
	require.False(s.t, w.Error())

	var b0 [16]byte
	b0[0] = 0x49
	b0[5] = 1
	binary.LittleEndian.PutUint32(b0[6:10], uint32(s.devAddr))
	binary.LittleEndian.PutUint32(b0[10:14], s.fcntDown)
	b0[15] = uint8(size - 4)

	mic, err := s.keys.MIC(sm.SNwkSInt, b0[:], buf[:size-4])
	require.NoError(s.t, err)
	binary.BigEndian.PutUint32(buf[size-4:], mic)

	s.fcntDown++
	return buf
}

// testHandler records every event in order.
type testHandler struct {
	events []Event
}

func (h *testHandler) HandleEvent(ev Event) { h.events = append(h.events, ev) }

func (h *testHandler) count(match func(Event) bool) int {
	n := 0
	for _, ev := range h.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (h *testHandler) has(match func(Event) bool) bool { return h.count(match) > 0 }

// harness wires a device, clock, radio and server together on the
// virtual timeline.
type harness struct {
	t       *testing.T
	clock   *testClock
	srv     *testServer
	radio   *testRadio
	handler *testHandler
	dev     *Device
}

func newHarness(t *testing.T, region band.Name) *harness {
	clock := &testClock{seed: 7}
	srv := newTestServer(t, [16]byte{})
	rdo := newTestRadio(clock, srv)
	handler := &testHandler{}

	dev, err := New(region, rdo, sm.NewDefault([16]byte{}, [16]byte{}), handler, clock, Config{
		TPS:        testTPS,
		DevEUI:     testDevEUI,
		JoinEUI:    testJoinEUI,
		OTAADither: 1,
	})
	require.NoError(t, err)

	return &harness{t: t, clock: clock, srv: srv, radio: rdo, handler: handler, dev: dev}
}

// run advances the virtual timeline until done reports true or the
// step budget runs out.
func (h *harness) run(maxSteps int, done func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		h.dev.Process()
		if done() {
			return true
		}

		wait := h.dev.TicksUntilNextEvent()
		if in := h.radio.nextEventIn(); in < wait {
			wait = in
		}
		if wait == noDeadline {
			return done()
		}
		h.clock.ticks += wait

		if h.radio.fire() {
			h.dev.RadioEvent(h.clock.ticks)
		}
	}
	return done()
}

// join drives a full OTAA exchange to completion, then waits out the
// off-time the join transmission itself incurred.
func (h *harness) join() {
	require.NoError(h.t, h.dev.OTAA())
	ok := h.run(500, func() bool { return h.dev.Joined() && h.dev.Op() == OpNone })
	require.True(h.t, ok, "join did not complete")

	h.clock.ticks += 120 * testTPS
	h.dev.Process()
	require.True(h.t, h.dev.Ready(), "device not ready after join settle time")
}
