// Package session implements the persisted device state (frame
// counters, device identity, link parameters, channel plan and the
// latched MAC-command answers that must survive a restart) plus the
// compact channel and pending-command bitmaps the MAC scheduler
// consults on every uplink.
package session

import (
	"fmt"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/stream"
)

// Magic identifies a session snapshot produced by this module. Init
// uses it to decide whether a restored snapshot is trustworthy.
const Magic = 0x4c44 // "LD"

// maxChannels bounds the dynamic channel list (EU868/EU433).
const maxChannels = 16

// maskBits bounds the fixed-region channel mask (US915/AU915: 72
// channels, one bit each).
const maskBits = 72

// Session is the persisted record a device carries between restarts
// once joined. Every field here must either be recomputed by Init from
// regional defaults or restored verbatim from a prior snapshot.
type Session struct {
	Magic      uint16
	Joined     bool
	ADREnabled bool
	Version    uint8 // 0 = LoRaWAN 1.0.x, 1 = LoRaWAN 1.1
	Region     band.Name

	FCntUp        uint32
	FCntAppDownLo uint16
	FCntAppDownHi uint16
	FCntNwkDownLo uint16
	FCntNwkDownHi uint16

	DevAddr   lorawan.DevAddr
	NetID     lorawan.NetID
	JoinNonce lorawan.JoinNonce
	DevNonce  lorawan.DevNonce

	RX1DROffset  uint8
	RX1Delay     uint8 // seconds, 0 coerced to 1
	RX2DataRate  uint8
	RX2Freq      uint32
	Rate         uint8
	Power        uint8
	MaxDutyCycle uint8 // exponent; 0 = unrestricted
	NbTrans      uint8
	ADRAckLimit  uint16
	ADRAckDelay  uint16
	TXParamSetup uint8 // raw TXParamSetupReq byte; 0xff = never received

	Channels     [maxChannels]uint32 // packed (freq/100)<<8 | min<<4 | max; 0 = unused slot
	ChannelCount int
	ChannelMask  [maskBits / 8]byte // fixed-region mask; bit set = enabled

	// Latched round-trip answers, keyed by the same bits as PendingCmds.
	RXParamSetupAns  lorawan.RXParamSetupAns
	DLChannelAns     lorawan.DLChannelAns
	LinkADRAns       lorawan.LinkADRAns
	DevStatusAns     lorawan.DevStatusAns
	NewChannelAns    lorawan.NewChannelAns
	RejoinParamAns   lorawan.RejoinParamSetupAns
	RXTimingSetupAns bool

	// PendingCmds is a bitmap indexed by lorawan.CID of MAC-command
	// answers awaiting transmission.
	PendingCmds uint16
}

// Sticky commands are re-appended on every uplink until the network
// round-trips a fresh request for them; single-shot commands are
// cleared the moment they are enqueued.
var stickyCIDs = map[lorawan.CID]bool{
	lorawan.CIDRekey:         true,
	lorawan.CIDRXParamSetup:  true,
	lorawan.CIDDLChannel:     true,
	lorawan.CIDRXTimingSetup: true,
}

func cidBit(cid lorawan.CID) uint16 { return 1 << uint(cid) }

// SetPendingCmd marks cid as awaiting an outbound answer.
func (s *Session) SetPendingCmd(cid lorawan.CID) { s.PendingCmds |= cidBit(cid) }

// ClearPendingCmd clears cid's pending bit.
func (s *Session) ClearPendingCmd(cid lorawan.CID) { s.PendingCmds &^= cidBit(cid) }

// IsPending reports whether cid has an answer awaiting transmission.
func (s *Session) IsPending(cid lorawan.CID) bool { return s.PendingCmds&cidBit(cid) != 0 }

// IsSticky reports whether cid's answer is re-sent until a fresh
// request clears it, rather than cleared the moment it is enqueued.
func IsSticky(cid lorawan.CID) bool { return stickyCIDs[cid] }

// AddChannel validates and stores a channel slot. freq == 0 disables
// the channel. index must be within the region's dynamic channel
// capacity (maxChannels); it does not apply to fixed-plan regions,
// whose channels come from the region table instead.
func (s *Session) AddChannel(index int, freq uint32, minRate, maxRate uint8) error {
	if index < 0 || index >= maxChannels {
		return fmt.Errorf("session: channel index %d out of range", index)
	}
	if freq != 0 && freq%100 != 0 {
		return fmt.Errorf("session: frequency %d not a multiple of 100 Hz", freq)
	}
	s.Channels[index] = (freq/100)<<8 | uint32(minRate&0x0f)<<4 | uint32(maxRate&0x0f)
	if index >= s.ChannelCount {
		s.ChannelCount = index + 1
	}
	return nil
}

// GetChannel returns the stored channel at index. Only meaningful for
// dynamic regions; fixed regions should consult band.Band.GetChannel
// instead.
func (s *Session) GetChannel(index int) (band.Channel, error) {
	if index < 0 || index >= maxChannels || s.Channels[index] == 0 {
		return band.Channel{}, band.ErrInvalidChannel
	}
	v := s.Channels[index]
	return band.Channel{
		Frequency: (v >> 8) * 100,
		MinRate:   uint8(v>>4) & 0x0f,
		MaxRate:   uint8(v) & 0x0f,
	}, nil
}

// MaskChannel disables a channel in the fixed-region bitmap.
func (s *Session) MaskChannel(index int) {
	if index < 0 || index >= maskBits {
		return
	}
	s.ChannelMask[index/8] &^= 1 << uint(index%8)
}

// UnmaskChannel enables a channel in the fixed-region bitmap.
func (s *Session) UnmaskChannel(index int) {
	if index < 0 || index >= maskBits {
		return
	}
	s.ChannelMask[index/8] |= 1 << uint(index%8)
}

// IsMasked reports whether a channel index is disabled. An
// out-of-range index is treated as masked.
func (s *Session) IsMasked(index int) bool {
	if index < 0 || index >= maskBits {
		return true
	}
	return s.ChannelMask[index/8]&(1<<uint(index%8)) == 0
}

// AllUnmasked enables every channel bit up to n, per the ADR backoff
// "unmask all channels" step.
func (s *Session) AllUnmasked(n int) {
	for i := 0; i < n && i < maskBits; i++ {
		s.UnmaskChannel(i)
	}
}

// FCntAppDown reconstructs the 32 bit application downlink counter.
func (s *Session) FCntAppDown() uint32 { return uint32(s.FCntAppDownHi)<<16 | uint32(s.FCntAppDownLo) }

// FCntNwkDown reconstructs the 32 bit network downlink counter.
func (s *Session) FCntNwkDown() uint32 { return uint32(s.FCntNwkDownHi)<<16 | uint32(s.FCntNwkDownLo) }

var regionCodes = []band.Name{band.EU868, band.EU433, band.US915, band.AU915}

func regionToCode(n band.Name) uint8 {
	for i, r := range regionCodes {
		if r == n {
			return uint8(i)
		}
	}
	return 0xff
}

func codeToRegion(c uint8) band.Name {
	if int(c) >= len(regionCodes) {
		return ""
	}
	return regionCodes[c]
}

const wireSize = 2 + 1 + 1 + 1 + 1 + // magic, joined, adr, version, region code
	4 + 2 + 2 + 2 + 2 + // counters
	4 + 3 + 3 + 2 + // identity: devAddr, netID, joinNonce, devNonce
	1 + 1 + 1 + 4 + 1 + 1 + 1 + 1 + 2 + 2 + 1 + // link params
	maxChannels*4 + 1 + maskBits/8 + // channels
	2 // pending cmds

// MarshalBinary encodes the session to the byte slice an application
// is handed on SessionUpdated, for persistence across restarts.
func (s *Session) MarshalBinary() ([]byte, error) {
	buf := make([]byte, wireSize)
	w := stream.NewWriter(buf)

	w.PutU16(s.Magic)
	w.PutU8(boolByte(s.Joined))
	w.PutU8(boolByte(s.ADREnabled))
	w.PutU8(s.Version)
	w.PutU8(regionToCode(s.Region))

	w.PutU32(s.FCntUp)
	w.PutU16(s.FCntAppDownLo)
	w.PutU16(s.FCntAppDownHi)
	w.PutU16(s.FCntNwkDownLo)
	w.PutU16(s.FCntNwkDownHi)

	devAddrB, _ := s.DevAddr.MarshalBinary()
	w.PutBytes(devAddrB)
	netIDB, _ := s.NetID.MarshalBinary()
	w.PutBytes(netIDB)
	joinNonceB, _ := s.JoinNonce.MarshalBinary()
	w.PutBytes(joinNonceB)
	devNonceB, _ := s.DevNonce.MarshalBinary()
	w.PutBytes(devNonceB)

	w.PutU8(s.RX1DROffset)
	w.PutU8(s.RX1Delay)
	w.PutU8(s.RX2DataRate)
	w.PutU32(s.RX2Freq)
	w.PutU8(s.Rate)
	w.PutU8(s.Power)
	w.PutU8(s.MaxDutyCycle)
	w.PutU8(s.NbTrans)
	w.PutU16(s.ADRAckLimit)
	w.PutU16(s.ADRAckDelay)
	w.PutU8(s.TXParamSetup)

	for _, c := range s.Channels {
		w.PutU32(c)
	}
	w.PutU8(uint8(s.ChannelCount))
	w.PutBytes(s.ChannelMask[:])

	w.PutU16(s.PendingCmds)

	if w.Error() {
		return nil, fmt.Errorf("session: buffer too small to encode")
	}
	return w.Bytes(), nil
}

// UnmarshalBinary restores a session previously written by
// MarshalBinary. It does not itself validate Magic/Region against the
// live configuration; callers (mac.Device.Init) do that
func (s *Session) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)

	s.Magic = r.U16()
	s.Joined = r.U8() != 0
	s.ADREnabled = r.U8() != 0
	s.Version = r.U8()
	s.Region = codeToRegion(r.U8())

	s.FCntUp = r.U32()
	s.FCntAppDownLo = r.U16()
	s.FCntAppDownHi = r.U16()
	s.FCntNwkDownLo = r.U16()
	s.FCntNwkDownHi = r.U16()

	_ = s.DevAddr.UnmarshalBinary(r.Bytes(4))
	_ = s.NetID.UnmarshalBinary(r.Bytes(3))
	_ = s.JoinNonce.UnmarshalBinary(r.Bytes(3))
	s.DevNonce = lorawan.DevNonce(r.U16())

	s.RX1DROffset = r.U8()
	s.RX1Delay = r.U8()
	s.RX2DataRate = r.U8()
	s.RX2Freq = r.U32()
	s.Rate = r.U8()
	s.Power = r.U8()
	s.MaxDutyCycle = r.U8()
	s.NbTrans = r.U8()
	s.ADRAckLimit = r.U16()
	s.ADRAckDelay = r.U16()
	s.TXParamSetup = r.U8()

	for i := range s.Channels {
		s.Channels[i] = r.U32()
	}
	s.ChannelCount = int(r.U8())
	copy(s.ChannelMask[:], r.Bytes(len(s.ChannelMask)))

	s.PendingCmds = r.U16()

	if r.Error() {
		return fmt.Errorf("session: short snapshot buffer")
	}
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
