// Package lorawan implements the LoRaWAN 1.0.x/1.1 PHY frame codec and
// MAC-command codec: encoding and decoding of
// the six PHY frame shapes and of every upstream/downstream MAC command,
// built on top of the position-tracked stream.Reader/Writer cursor.
package lorawan

import (
	"encoding/hex"
	"fmt"
)

// EUI64 represents an 8 byte IEEE EUI, transmitted in reversed
// (network) byte order
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

// MarshalBinary encodes the EUI in the reversed order used on the air.
func (e EUI64) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	for i, v := range e {
		b[7-i] = v
	}
	return b, nil
}

// UnmarshalBinary decodes an EUI from its reversed on-air form.
func (e *EUI64) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("lorawan: 8 bytes expected for EUI64, got %d", len(data))
	}
	for i, v := range data {
		e[7-i] = v
	}
	return nil
}

// DevAddr represents the 32 bit device address.
type DevAddr uint32

// MarshalBinary encodes the DevAddr little-endian.
func (a DevAddr) MarshalBinary() ([]byte, error) {
	return []byte{byte(a), byte(a >> 8), byte(a >> 16), byte(a >> 24)}, nil
}

// UnmarshalBinary decodes a little-endian DevAddr.
func (a *DevAddr) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("lorawan: 4 bytes expected for DevAddr, got %d", len(data))
	}
	*a = DevAddr(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	return nil
}

func (a DevAddr) String() string { return fmt.Sprintf("%08X", uint32(a)) }

// NetID represents the 24 bit network identifier.
type NetID uint32

// MarshalBinary encodes the NetID little-endian (low 3 bytes).
func (n NetID) MarshalBinary() ([]byte, error) {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16)}, nil
}

// UnmarshalBinary decodes a little-endian 3 byte NetID.
func (n *NetID) UnmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return fmt.Errorf("lorawan: 3 bytes expected for NetID, got %d", len(data))
	}
	*n = NetID(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16)
	return nil
}

func (n NetID) String() string { return fmt.Sprintf("%06X", uint32(n)) }

// JoinNonce represents the 24 bit join-server-chosen join nonce.
type JoinNonce uint32

// MarshalBinary encodes the JoinNonce little-endian (low 3 bytes).
func (n JoinNonce) MarshalBinary() ([]byte, error) {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16)}, nil
}

// UnmarshalBinary decodes a little-endian 3 byte JoinNonce.
func (n *JoinNonce) UnmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return fmt.Errorf("lorawan: 3 bytes expected for JoinNonce, got %d", len(data))
	}
	*n = JoinNonce(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16)
	return nil
}

// DevNonce represents the 16 bit device-chosen join nonce.
type DevNonce uint16

// MarshalBinary encodes the DevNonce little-endian.
func (n DevNonce) MarshalBinary() ([]byte, error) {
	return []byte{byte(n), byte(n >> 8)}, nil
}

// MIC represents the 4 byte message integrity code.
type MIC [4]byte

func (m MIC) String() string { return hex.EncodeToString(m[:]) }

// MType represents the MAC message type, held in the top 3 bits of MHDR.
type MType byte

// Supported message types.
const (
	MTypeJoinRequest MType = iota
	MTypeJoinAccept
	MTypeUnconfirmedDataUp
	MTypeUnconfirmedDataDown
	MTypeConfirmedDataUp
	MTypeConfirmedDataDown
	MTypeRejoinRequest
	MTypeProprietary
)

func (t MType) String() string {
	switch t {
	case MTypeJoinRequest:
		return "JoinRequest"
	case MTypeJoinAccept:
		return "JoinAccept"
	case MTypeUnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case MTypeUnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case MTypeConfirmedDataUp:
		return "ConfirmedDataUp"
	case MTypeConfirmedDataDown:
		return "ConfirmedDataDown"
	case MTypeRejoinRequest:
		return "RejoinRequest"
	default:
		return "Proprietary"
	}
}

// Major represents the major LoRaWAN version carried in MHDR.
type Major byte

// The only currently defined major version.
const MajorR1 Major = 0

// MHDR represents the single-byte MAC header: MType in bits 7:5, Major
// in bits 1:0. Bits 4:2 are RFU and always zero.
type MHDR byte

// NewMHDR builds an MHDR from its two fields.
func NewMHDR(mtype MType, major Major) MHDR {
	return MHDR(byte(mtype)<<5 | byte(major))
}

// MType extracts the message type.
func (h MHDR) MType() MType { return MType(h >> 5) }

// Major extracts the major version.
func (h MHDR) Major() Major { return Major(h & 0x03) }

// RFUSet reports whether the reserved bits 4:2 are non-zero, which
// makes the frame invalid ("low five bits must be zero"
// after removing MType, i.e. bits 4:2 here plus Major's own 2 bits must
// already be accounted for by Major; only bits 4:2 are true RFU).
func (h MHDR) RFUSet() bool { return h&0x1c != 0 }

// FCtrl represents the frame-control byte. Bit 4 is ADRACKReq on
// uplink frames and FPending on downlink frames; callers select the
// accessor that matches the frame's direction.
type FCtrl byte

// NewFCtrl builds an FCtrl for an uplink frame.
func NewFCtrl(adr, adrAckReq, ack bool, foptsLen uint8) FCtrl {
	var c FCtrl
	if adr {
		c |= 1 << 7
	}
	if adrAckReq {
		c |= 1 << 6
	}
	if ack {
		c |= 1 << 5
	}
	return c | FCtrl(foptsLen&0x0f)
}

// NewDownlinkFCtrl builds an FCtrl for a downlink frame.
func NewDownlinkFCtrl(adr, ack, fPending bool, foptsLen uint8) FCtrl {
	var c FCtrl
	if adr {
		c |= 1 << 7
	}
	if ack {
		c |= 1 << 5
	}
	if fPending {
		c |= 1 << 4
	}
	return c | FCtrl(foptsLen&0x0f)
}

// ADR reports the adaptive-data-rate bit.
func (c FCtrl) ADR() bool { return c&(1<<7) != 0 }

// ADRACKReq reports the ADR-ack-request bit (uplink only).
func (c FCtrl) ADRACKReq() bool { return c&(1<<6) != 0 }

// ACK reports the acknowledgment bit.
func (c FCtrl) ACK() bool { return c&(1<<5) != 0 }

// FPending reports the frame-pending bit (downlink only).
func (c FCtrl) FPending() bool { return c&(1<<4) != 0 }

// FOptsLen returns the number of FOpts bytes carried in the FHDR.
func (c FCtrl) FOptsLen() uint8 { return uint8(c) & 0x0f }

// DLSettings represents the downlink-settings byte of a join-accept.
type DLSettings struct {
	OptNeg      bool
	RX1DROffset uint8
	RX2DataRate uint8
}

// MarshalBinary encodes DLSettings into a single byte.
func (d DLSettings) MarshalBinary() ([]byte, error) {
	var b byte
	if d.OptNeg {
		b |= 1 << 7
	}
	b |= (d.RX1DROffset & 0x07) << 4
	b |= d.RX2DataRate & 0x0f
	return []byte{b}, nil
}

// UnmarshalBinary decodes DLSettings from a single byte.
func (d *DLSettings) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for DLSettings, got %d", len(data))
	}
	d.OptNeg = data[0]&(1<<7) != 0
	d.RX1DROffset = (data[0] >> 4) & 0x07
	d.RX2DataRate = data[0] & 0x0f
	return nil
}

// CFListType distinguishes the two shapes a join-accept's CFList can
// take
type CFListType byte

// Supported CFList shapes.
const (
	CFListChannels CFListType = 0
	CFListChannelMasks CFListType = 1
)

// CFList is the 16 byte optional tail of a join-accept.
type CFList struct {
	Type         CFListType
	Frequencies  [5]uint32 // Hz, CFListChannels only
	ChannelMasks [5]uint16 // bit i = channel (blockIndex*16)+i, CFListChannelMasks only
}

// MarshalBinary encodes the CFList to its 16 byte wire form.
func (c CFList) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	switch c.Type {
	case CFListChannels:
		for i, f := range c.Frequencies {
			v := f / 100
			b[i*3] = byte(v)
			b[i*3+1] = byte(v >> 8)
			b[i*3+2] = byte(v >> 16)
		}
		b[15] = byte(CFListChannels)
	case CFListChannelMasks:
		for i, m := range c.ChannelMasks {
			b[i*2] = byte(m)
			b[i*2+1] = byte(m >> 8)
		}
		b[15] = byte(CFListChannelMasks)
	default:
		return nil, fmt.Errorf("lorawan: unknown CFList type %d", c.Type)
	}
	return b, nil
}

// UnmarshalBinary decodes a 16 byte CFList.
func (c *CFList) UnmarshalBinary(data []byte) error {
	if len(data) != 16 {
		return fmt.Errorf("lorawan: 16 bytes expected for CFList, got %d", len(data))
	}
	c.Type = CFListType(data[15])
	switch c.Type {
	case CFListChannels:
		for i := 0; i < 5; i++ {
			v := uint32(data[i*3]) | uint32(data[i*3+1])<<8 | uint32(data[i*3+2])<<16
			c.Frequencies[i] = v * 100
		}
	case CFListChannelMasks:
		for i := 0; i < 5; i++ {
			c.ChannelMasks[i] = uint16(data[i*2]) | uint16(data[i*2+1])<<8
		}
	default:
		return fmt.Errorf("lorawan: unknown CFList type %d", c.Type)
	}
	return nil
}
