package main

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/radio"
	"github.com/ellenhale/lorawan-mac/sm"
	"github.com/ellenhale/lorawan-mac/stream"
)

// simClock is the virtual host: a manually advanced tick counter plus
// a small LCG for channel selection and dither.
type simClock struct {
	ticks uint32
	seed  uint32
}

func (c *simClock) Ticks() uint32 { return c.ticks }

func (c *simClock) Rand() uint32 {
	c.seed = c.seed*1664525 + 1013904223
	return c.seed
}

func (c *simClock) BatteryLevel() uint8 { return 200 }

// simEvent is a radio interrupt scheduled on the virtual clock.
type simEvent struct {
	at      uint32
	status  radio.Status
	payload []byte
}

// simRadio implements radio.Radio against an in-process network
// server: every transmission is decoded by the server, which queues
// the downlink the real network would send, delivered into the next
// receive window.
type simRadio struct {
	clock *simClock
	srv   *nwkServer
	log   *logrus.Entry

	tps     uint32
	pending *simEvent    // scheduled interrupt, if any
	last    radio.Status // status latched by the last fired interrupt
	queued  []byte       // downlink waiting for the next RX window
	rxBuf   []byte
}

func newSimRadio(clock *simClock, srv *nwkServer, tps uint32, log *logrus.Entry) *simRadio {
	return &simRadio{clock: clock, srv: srv, tps: tps, log: log}
}

func (r *simRadio) SetMode(mode radio.Mode) error {
	if mode == radio.ModeReset || mode == radio.ModeSleep {
		r.pending = nil
	}
	return nil
}

func (r *simRadio) ReadEntropy() (uint32, error) { return r.clock.Rand(), nil }

func (r *simRadio) ReadBuffer(meta *radio.Meta, data []byte) (int, error) {
	meta.RSSI = -60
	meta.SNR = 7
	return copy(data, r.rxBuf), nil
}

func (r *simRadio) Transmit(setting radio.TxSetting, data []byte) error {
	r.log.WithFields(logrus.Fields{
		"freq": setting.Freq,
		"rate": setting.Rate,
		"size": len(data),
	}).Debug("air: uplink")

	r.queued = r.srv.uplink(data)

	// report TX complete after a token 50ms of airtime
	r.pending = &simEvent{
		at:     r.clock.ticks + r.tps/20,
		status: radio.Status{TX: true},
	}
	return nil
}

func (r *simRadio) Receive(setting radio.RxSetting) error {
	if r.queued != nil {
		r.pending = &simEvent{
			at:      r.clock.ticks + r.tps/100,
			status:  radio.Status{RX: true},
			payload: r.queued,
		}
		r.queued = nil
		return nil
	}

	// no downlink queued: the window times out
	timeout := uint32(setting.TimeoutSymbols) * (r.tps / 100)
	r.pending = &simEvent{
		at:     r.clock.ticks + timeout + 1,
		status: radio.Status{Timeout: true},
	}
	return nil
}

func (r *simRadio) ReceiveEntropy() error { return nil }

func (r *simRadio) GetStatus() (radio.Status, error) { return r.last, nil }

func (r *simRadio) XtalDelay() uint32 { return 1 }

// nextEventIn returns the ticks until the scheduled interrupt, or
// noEvent when nothing is pending.
const noEvent = 0xffffffff

func (r *simRadio) nextEventIn() uint32 {
	if r.pending == nil {
		return noEvent
	}
	if r.pending.at <= r.clock.ticks {
		return 0
	}
	return r.pending.at - r.clock.ticks
}

// fire consumes the pending interrupt if its time has come, latching
// its status for the GetStatus poll that follows.
func (r *simRadio) fire() bool {
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

// nwkServer is a minimal LoRaWAN 1.0 network server: it answers
// join-requests with a join-accept and confirmed uplinks with an
// ACK-only downlink.
type nwkServer struct {
	nwkKey  [16]byte
	keys    *sm.Default // server-side session key view
	log     *logrus.Entry
	netID   lorawan.NetID
	devAddr lorawan.DevAddr

	joinNonce uint32
	fcntDown  uint32
	joined    bool
}

func newNwkServer(nwkKey [16]byte, log *logrus.Entry) *nwkServer {
	return &nwkServer{
		nwkKey:  nwkKey,
		keys:    sm.NewDefault(nwkKey, nwkKey),
		log:     log,
		netID:   0x000013,
		devAddr: 0x26011bda,
	}
}

// uplink decodes one PHY frame off the air and returns the downlink
// the server wants delivered in the device's next receive window, or
// nil for none.
func (s *nwkServer) uplink(data []byte) []byte {
	f, err := lorawan.Decode(data)
	if err != nil {
		s.log.WithError(err).Warn("server: undecodable uplink")
		return nil
	}

	switch f.MHDR.MType() {
	case lorawan.MTypeJoinRequest:
		s.log.WithField("devNonce", uint16(f.DevNonce)).Info("server: join request")
		return s.joinAccept(f.DevNonce)

	case lorawan.MTypeConfirmedDataUp:
		s.log.WithField("fcnt", f.FCnt).Info("server: confirmed uplink")
		return s.ackDownlink(f.FCnt)

	case lorawan.MTypeUnconfirmedDataUp:
		s.log.WithField("fcnt", f.FCnt).Info("server: unconfirmed uplink")
		return nil

	default:
		return nil
	}
}

// joinAccept builds, MICs and "encrypts" (AES decrypt direction, so
// the device's encrypt recovers it) a 1.0 join-accept, deriving the
// server-side session keys along the way.
func (s *nwkServer) joinAccept(devNonce lorawan.DevNonce) []byte {
	buf := make([]byte, 17)
	w := stream.NewWriter(buf)
	w.PutU8(byte(lorawan.NewMHDR(lorawan.MTypeJoinAccept, lorawan.MajorR1)))
	w.PutU24(s.joinNonce)
	w.PutU24(uint32(s.netID))
	w.PutU32(uint32(s.devAddr))
	w.PutU8(0) // DLSettings: RX1DROffset 0, RX2DR 0
	w.PutU8(1) // RXDelay
	mic, err := s.keys.MIC(sm.Nwk, nil, buf[:13])
	if err != nil {
		return nil
	}
	binary.BigEndian.PutUint32(buf[13:], mic)

	block, err := aes.NewCipher(s.nwkKey[:])
	if err != nil {
		return nil
	}
	var out [16]byte
	block.Decrypt(out[:], buf[1:17])
	copy(buf[1:17], out[:])

	s.deriveSessionKeys(devNonce)
	s.joined = true
	s.fcntDown = 0
	return buf
}

func (s *nwkServer) deriveSessionKeys(devNonce lorawan.DevNonce) {
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
	s.keys.UpdateSessionKey(sm.AppS, sm.Nwk, iv)
	iv[0] = 1
	s.keys.UpdateSessionKey(sm.FNwkSInt, sm.Nwk, iv)
	s.keys.UpdateSessionKey(sm.SNwkSInt, sm.Nwk, iv)
	s.keys.UpdateSessionKey(sm.NwkSEnc, sm.Nwk, iv)
}

// ackDownlink builds an empty unconfirmed downlink with the ACK bit
// set, answering a confirmed uplink.
func (s *nwkServer) ackDownlink(fcntUp uint16) []byte {
	_ = fcntUp

	buf := make([]byte, 12)
	w := stream.NewWriter(buf)
	w.PutU8(byte(lorawan.NewMHDR(lorawan.MTypeUnconfirmedDataDown, lorawan.MajorR1)))
	w.PutU32(uint32(s.devAddr))
	w.PutU8(byte(lorawan.NewDownlinkFCtrl(false, true, false, 0)))
	w.PutU16(uint16(s.fcntDown))

	var b0 [16]byte
	b0[0] = 0x49
	b0[5] = 1 // downlink
	binary.LittleEndian.PutUint32(b0[6:10], uint32(s.devAddr))
	binary.LittleEndian.PutUint32(b0[10:14], s.fcntDown)
	b0[15] = 8

	mic, err := s.keys.MIC(sm.SNwkSInt, b0[:], buf[:8])
	if err != nil {
		return nil
	}
	binary.BigEndian.PutUint32(buf[8:], mic)

	s.fcntDown++
	return buf
}
