// Package ops binds the Security Module to the frame codec:
// session key derivation at join time, MIC computation and
// verification, in-place CTR encryption of FOpts and FRMPayload, and
// reconstruction of the 32 bit downlink counter from its 16 bit wire
// form.
package ops

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/session"
	"github.com/ellenhale/lorawan-mac/sm"
)

// Errors returned by ReceiveFrame. A frame that fails any of these is
// silently discarded by the MAC; the sentinels exist so
// tests can tell the discard reasons apart.
var (
	ErrMIC        = errors.New("ops: MIC mismatch")
	ErrDevAddr    = errors.New("ops: DevAddr mismatch")
	ErrJoinNonce  = errors.New("ops: JoinNonce did not increase")
	ErrUnexpected = errors.New("ops: unexpected frame type for current operation")
)

// Ops wires one Security Module to the codec. It holds no session
// state of its own; callers pass the session record to every method.
type Ops struct {
	SM sm.Module
}

// New returns an Ops bound to module.
func New(module sm.Module) *Ops { return &Ops{SM: module} }

// RxParams carries the scheduler state ReceiveFrame needs to
// demultiplex a downlink: which operation is in flight and the JoinEUI
// used to verify a 1.1 join-accept.
type RxParams struct {
	Joining    bool
	Rejoining  bool
	AcceptData bool
	JoinEUI    lorawan.EUI64
}

// blockA builds the CTR "A" template block used for FOpts/FRMPayload
// encryption.
func blockA(c uint32, devAddr lorawan.DevAddr, up bool, counter uint32, i uint8) [16]byte {
	var a [16]byte
	a[0] = 1
	binary.LittleEndian.PutUint32(a[1:5], c)
	if !up {
		a[5] = 1
	}
	binary.LittleEndian.PutUint32(a[6:10], uint32(devAddr))
	binary.LittleEndian.PutUint32(a[10:14], counter)
	a[15] = i
	return a
}

// blockB builds the CMAC "B" prefix block. B0 carries zeros in the
// confirmCounter/rate/chIndex positions; B1 (1.1 only) carries the
// uplink rate and channel index, or the confirmed-uplink counter on
// the downlink side.
func blockB(confirmCounter uint16, rate, chIndex uint8, up bool, devAddr lorawan.DevAddr, counter uint32, length int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	binary.LittleEndian.PutUint16(b[1:3], confirmCounter)
	b[3] = rate
	b[4] = chIndex
	if !up {
		b[5] = 1
	}
	binary.LittleEndian.PutUint32(b[6:10], uint32(devAddr))
	binary.LittleEndian.PutUint32(b[10:14], counter)
	b[15] = uint8(length)
	return b
}

func putEUIReversed(dst []byte, eui lorawan.EUI64) {
	for i, v := range eui {
		dst[7-i] = v
	}
}

func micBytes(v uint32) lorawan.MIC {
	var m lorawan.MIC
	binary.BigEndian.PutUint32(m[:], v)
	return m
}

// DeriveKeys computes the session keys from the root keys and the join
// material cached in s. For 1.0 the derivation input is
// JoinNonce||NetID||DevNonce; for 1.1 it is JoinNonce||JoinEUI||DevNonce
// and the AppSKey comes from the AppKey root instead of the NwkKey.
func (o *Ops) DeriveKeys(s *session.Session, joinEUI lorawan.EUI64) error {
	var iv [16]byte

	o.SM.BeginUpdate()
	defer o.SM.EndUpdate()

	if s.Version == 0 {
		jn, _ := s.JoinNonce.MarshalBinary()
		ni, _ := s.NetID.MarshalBinary()
		dn, _ := s.DevNonce.MarshalBinary()
		copy(iv[1:4], jn)
		copy(iv[4:7], ni)
		copy(iv[7:9], dn)

		iv[0] = 2
		if err := o.SM.UpdateSessionKey(sm.AppS, sm.Nwk, iv); err != nil {
			return errors.Wrap(err, "derive AppSKey")
		}

		iv[0] = 1
		for _, dst := range []sm.KeyID{sm.FNwkSInt, sm.SNwkSInt, sm.NwkSEnc} {
			if err := o.SM.UpdateSessionKey(dst, sm.Nwk, iv); err != nil {
				return errors.Wrapf(err, "derive %s", dst)
			}
		}
		return nil
	}

	jn, _ := s.JoinNonce.MarshalBinary()
	dn, _ := s.DevNonce.MarshalBinary()
	copy(iv[1:4], jn)
	putEUIReversed(iv[4:12], joinEUI)
	copy(iv[12:14], dn)

	iv[0] = 1
	if err := o.SM.UpdateSessionKey(sm.FNwkSInt, sm.Nwk, iv); err != nil {
		return errors.Wrap(err, "derive FNwkSIntKey")
	}
	iv[0] = 2
	if err := o.SM.UpdateSessionKey(sm.AppS, sm.App, iv); err != nil {
		return errors.Wrap(err, "derive AppSKey")
	}
	iv[0] = 3
	if err := o.SM.UpdateSessionKey(sm.SNwkSInt, sm.Nwk, iv); err != nil {
		return errors.Wrap(err, "derive SNwkSIntKey")
	}
	iv[0] = 4
	if err := o.SM.UpdateSessionKey(sm.NwkSEnc, sm.Nwk, iv); err != nil {
		return errors.Wrap(err, "derive NwkSEncKey")
	}
	return nil
}

// DeriveJoinKeys computes the Join Server keys (JSEncKey, JSIntKey)
// from the NwkKey and the DevEUI, used to verify a 1.1 join-accept and
// to decrypt a rejoin-accept.
func (o *Ops) DeriveJoinKeys(devEUI lorawan.EUI64) error {
	var iv [16]byte
	putEUIReversed(iv[1:9], devEUI)

	o.SM.BeginUpdate()
	defer o.SM.EndUpdate()

	iv[0] = 5
	if err := o.SM.UpdateSessionKey(sm.JSEnc, sm.Nwk, iv); err != nil {
		return errors.Wrap(err, "derive JSEncKey")
	}
	iv[0] = 6
	if err := o.SM.UpdateSessionKey(sm.JSInt, sm.Nwk, iv); err != nil {
		return errors.Wrap(err, "derive JSIntKey")
	}
	return nil
}

// PrepareData encodes an uplink data frame into buf and encrypts its
// payload regions in place. counter is the 32 bit uplink counter the
// 16 bit FCnt in f was truncated from. The MIC is left as a zero
// placeholder; MICDataFrame fills it in.
func (o *Ops) PrepareData(buf []byte, f *lorawan.Frame, s *session.Session, counter uint32) (int, error) {
	n, foptsOff, frmOff, err := lorawan.EncodeDataUp(buf, f)
	if err != nil {
		return 0, err
	}

	// FOpts travel encrypted only in 1.1, with a single zero-indexed
	// keystream block.
	if s.Version == 1 && len(f.FOpts) > 0 {
		block := blockA(0, f.DevAddr, true, counter, 0)
		if err := o.SM.ECB(sm.NwkSEnc, &block); err != nil {
			return 0, err
		}
		for i := range buf[foptsOff : foptsOff+len(f.FOpts)] {
			buf[foptsOff+i] ^= block[i]
		}
	}

	if frmOff >= 0 && len(f.FRMPayload) > 0 {
		key := sm.AppS
		if *f.FPort == 0 {
			key = sm.NwkSEnc
		}
		a := blockA(0, f.DevAddr, true, counter, 1)
		if err := o.SM.CTR(key, a, buf[frmOff:frmOff+len(f.FRMPayload)]); err != nil {
			return 0, err
		}
	}

	return n, nil
}

// MICDataFrame computes and writes the MIC over frame (which already
// ends in a 4 byte placeholder). For 1.0 the whole MIC is a
// CMAC(FNwkSIntKey, B0||frame) truncation; for 1.1 the first two bytes
// come from CMAC(SNwkSIntKey, B1||frame) and the last two from the
// FNwkSIntKey digest, per the L2 1.1 split-MIC construction.
func (o *Ops) MICDataFrame(frame []byte, s *session.Session, counter uint32, rate, chIndex uint8) error {
	body := frame[:len(frame)-4]

	b0 := blockB(0, 0, 0, true, s.DevAddr, counter, len(body))
	micF, err := o.SM.MIC(sm.FNwkSInt, b0[:], body)
	if err != nil {
		return err
	}

	if s.Version == 1 {
		b1 := blockB(0, rate, chIndex, true, s.DevAddr, counter, len(body))
		micS, err := o.SM.MIC(sm.SNwkSInt, b1[:], body)
		if err != nil {
			return err
		}
		fb := micBytes(micF)
		sb := micBytes(micS)
		return lorawan.UpdateMIC(frame, lorawan.MIC{sb[0], sb[1], fb[0], fb[1]})
	}

	return lorawan.UpdateMIC(frame, micBytes(micF))
}

// PrepareJoinRequest encodes and MICs a join-request into buf. The MIC
// key is the NwkKey; a 1.0-only deployment provisions its AppKey into
// the Nwk slot.
func (o *Ops) PrepareJoinRequest(buf []byte, joinEUI, devEUI lorawan.EUI64, devNonce lorawan.DevNonce) (int, error) {
	f := lorawan.Frame{JoinEUI: joinEUI, DevEUI: devEUI, DevNonce: devNonce}
	n, err := lorawan.EncodeJoinRequest(buf, &f)
	if err != nil {
		return 0, err
	}
	mic, err := o.SM.MIC(sm.Nwk, nil, buf[:n-4])
	if err != nil {
		return 0, err
	}
	return n, lorawan.UpdateMIC(buf[:n], micBytes(mic))
}

// DeriveDownCounter reconstructs the 32 bit downlink counter from its
// 16 bit wire form and the stored halves: a wire value below the
// stored low half means the low half wrapped, advancing the high half
// by one.
func DeriveDownCounter(s *session.Session, port uint8, fcnt16 uint16) uint32 {
	var hi, lo uint16
	if s.Version > 0 && port == 0 {
		hi, lo = s.FCntNwkDownHi, s.FCntNwkDownLo
	} else {
		hi, lo = s.FCntAppDownHi, s.FCntAppDownLo
	}
	if fcnt16 < lo {
		hi++
	}
	return uint32(hi)<<16 | uint32(fcnt16)
}

// SyncDownCounter commits a derived downlink counter to the session:
// the network counter for port-0 traffic on 1.1, the application
// counter otherwise.
func SyncDownCounter(s *session.Session, port uint8, fcnt16 uint16) {
	derived := DeriveDownCounter(s, port, fcnt16)
	if s.Version > 0 && port == 0 {
		s.FCntNwkDownHi = uint16(derived >> 16)
		s.FCntNwkDownLo = fcnt16
	} else {
		s.FCntAppDownHi = uint16(derived >> 16)
		s.FCntAppDownLo = fcnt16
	}
}

// ReceiveFrame demultiplexes, authenticates and decrypts a downlink.
// in is mutated in place for join-accepts (ECB
// decryption); the returned Frame's FOpts/FRMPayload slices hold
// plaintext. The caller commits counters via SyncDownCounter only
// after deciding to accept the frame.
func (o *Ops) ReceiveFrame(in []byte, s *session.Session, p RxParams) (*lorawan.Frame, error) {
	f, err := lorawan.Decode(in)
	if err != nil {
		return nil, err
	}

	switch f.MHDR.MType() {
	case lorawan.MTypeJoinAccept:
		if !p.Joining && !p.Rejoining {
			return nil, ErrUnexpected
		}
		return o.receiveJoinAccept(in, s, p)

	case lorawan.MTypeUnconfirmedDataDown, lorawan.MTypeConfirmedDataDown:
		if !p.AcceptData {
			return nil, ErrUnexpected
		}
		return o.receiveDataDown(in, f, s)

	default:
		return nil, ErrUnexpected
	}
}

func (o *Ops) receiveJoinAccept(in []byte, s *session.Session, p RxParams) (*lorawan.Frame, error) {
	key := sm.Nwk
	if p.Rejoining {
		key = sm.JSEnc
	}

	// The body (everything after MHDR) is one ECB block, or two when a
	// CFList is present. LoRaWAN uses the AES encrypt direction here so
	// the device never needs a decrypt implementation.
	var block [16]byte
	copy(block[:], in[1:17])
	if err := o.SM.ECB(key, &block); err != nil {
		return nil, err
	}
	copy(in[1:17], block[:])

	if len(in) == 1+12+16+4 {
		copy(block[:], in[17:33])
		if err := o.SM.ECB(key, &block); err != nil {
			return nil, err
		}
		copy(in[17:33], block[:])
	}

	f, err := lorawan.Decode(in)
	if err != nil {
		return nil, err
	}

	if f.DLSettings.OptNeg {
		if f.JoinNonce < s.JoinNonce {
			return nil, ErrJoinNonce
		}

		hdr := make([]byte, 11)
		hdr[0] = 0xff
		if p.Rejoining {
			hdr[0] = 0x02
		}
		putEUIReversed(hdr[1:9], p.JoinEUI)
		dn, _ := s.DevNonce.MarshalBinary()
		copy(hdr[9:11], dn)

		mic, err := o.SM.MIC(sm.JSInt, hdr, in[:len(in)-4])
		if err != nil {
			return nil, err
		}
		if want := micBytes(mic); !bytes.Equal(want[:], f.MIC[:]) {
			return nil, ErrMIC
		}
		return f, nil
	}

	mic, err := o.SM.MIC(sm.Nwk, nil, in[:len(in)-4])
	if err != nil {
		return nil, err
	}
	if want := micBytes(mic); !bytes.Equal(want[:], f.MIC[:]) {
		return nil, ErrMIC
	}
	return f, nil
}

func (o *Ops) receiveDataDown(in []byte, f *lorawan.Frame, s *session.Session) (*lorawan.Frame, error) {
	if f.DevAddr != s.DevAddr {
		return nil, ErrDevAddr
	}

	var port uint8
	if f.FPort != nil {
		port = *f.FPort
	}
	counter := DeriveDownCounter(s, port, f.FCnt)

	// A downlink acknowledging a 1.1 confirmed uplink binds the MIC to
	// the counter of the uplink it confirms.
	var confirm uint16
	if s.Version == 1 && f.FCtrl.ACK() {
		confirm = uint16(s.FCntUp - 1)
	}
	b := blockB(confirm, 0, 0, false, f.DevAddr, counter, len(in)-4)

	mic, err := o.SM.MIC(sm.SNwkSInt, b[:], in[:len(in)-4])
	if err != nil {
		return nil, err
	}
	if want := micBytes(mic); !bytes.Equal(want[:], f.MIC[:]) {
		return nil, ErrMIC
	}

	if s.Version == 1 && len(f.FOpts) > 0 {
		block := blockA(0, f.DevAddr, false, counter, 0)
		if err := o.SM.ECB(sm.NwkSEnc, &block); err != nil {
			return nil, err
		}
		for i := range f.FOpts {
			f.FOpts[i] ^= block[i]
		}
	}

	if len(f.FRMPayload) > 0 {
		key := sm.AppS
		if port == 0 {
			key = sm.NwkSEnc
		}
		a := blockA(0, f.DevAddr, false, counter, 1)
		if err := o.SM.CTR(key, a, f.FRMPayload); err != nil {
			return nil, err
		}
	}

	return f, nil
}
