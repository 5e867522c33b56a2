package lorawan

import (
	"fmt"

	"github.com/ellenhale/lorawan-mac/stream"
)

// CID identifies a MAC command. The same CID value is reused on both
// directions with a request/answer pairing.
type CID byte

// Supported MAC command identifiers.
const (
	CIDLinkCheck      CID = 0x02
	CIDLinkADR        CID = 0x03
	CIDDutyCycle      CID = 0x04
	CIDRXParamSetup   CID = 0x05
	CIDDevStatus      CID = 0x06
	CIDNewChannel     CID = 0x07
	CIDRXTimingSetup  CID = 0x08
	CIDTXParamSetup   CID = 0x09
	CIDDLChannel      CID = 0x0a
	CIDRekey          CID = 0x0b
	CIDADRParamSetup    CID = 0x10
	CIDDeviceTime       CID = 0x0d
	CIDForceRejoin      CID = 0x0e
	CIDRejoinParamSetup CID = 0x0f
)

func (c CID) String() string {
	switch c {
	case CIDLinkCheck:
		return "LinkCheck"
	case CIDLinkADR:
		return "LinkADR"
	case CIDDutyCycle:
		return "DutyCycle"
	case CIDRXParamSetup:
		return "RXParamSetup"
	case CIDDevStatus:
		return "DevStatus"
	case CIDNewChannel:
		return "NewChannel"
	case CIDRXTimingSetup:
		return "RXTimingSetup"
	case CIDTXParamSetup:
		return "TXParamSetup"
	case CIDDLChannel:
		return "DLChannel"
	case CIDRekey:
		return "Rekey"
	case CIDADRParamSetup:
		return "ADRParamSetup"
	case CIDDeviceTime:
		return "DeviceTime"
	case CIDForceRejoin:
		return "ForceRejoin"
	case CIDRejoinParamSetup:
		return "RejoinParamSetup"
	default:
		return fmt.Sprintf("CID(0x%02x)", byte(c))
	}
}

// cmdSize gives the payload length in bytes (excluding the CID byte)
// of every fixed-size command, keyed by (CID, uplink). Commands that
// are variable-length (LinkADRAns/Req share a CID with different
// directions but both are fixed here) are listed explicitly; CIDs not
// present are rejected by PeekNextCommand.
var cmdSizeUp = map[CID]int{
	CIDLinkCheck:        0,
	CIDLinkADR:          1,
	CIDDutyCycle:        0,
	CIDRXParamSetup:     1,
	CIDDevStatus:        2,
	CIDNewChannel:       1,
	CIDRXTimingSetup:    0,
	CIDTXParamSetup:     1,
	CIDDLChannel:        1,
	CIDRekey:            1,
	CIDADRParamSetup:    0,
	CIDDeviceTime:       5,
	CIDRejoinParamSetup: 1,
}

var cmdSizeDown = map[CID]int{
	CIDLinkCheck:        2,
	CIDLinkADR:          4,
	CIDDutyCycle:        0,
	CIDRXParamSetup:     1,
	CIDDevStatus:        0,
	CIDNewChannel:       5,
	CIDRXTimingSetup:    1,
	CIDTXParamSetup:     0,
	CIDDLChannel:        0,
	CIDRekey:            1,
	CIDADRParamSetup:    1,
	CIDDeviceTime:       5,
	CIDForceRejoin:      2,
	CIDRejoinParamSetup: 1,
}

// SizeOfCommandUp returns the wire size, including the CID byte, of an
// uplink MAC command, or -1 if cid is unknown.
func SizeOfCommandUp(cid CID) int {
	if n, ok := cmdSizeUp[cid]; ok {
		return n + 1
	}
	return -1
}

// SizeOfCommandDown returns the wire size, including the CID byte, of a
// downlink MAC command, or -1 if cid is unknown.
func SizeOfCommandDown(cid CID) int {
	if n, ok := cmdSizeDown[cid]; ok {
		return n + 1
	}
	return -1
}

// PeekNextCommand inspects the first byte of buf and reports the CID
// and total size (CID included) of the command that starts there,
// without consuming anything. It is used by the MAC command iterator
// to decide how many bytes to hand to the matching decoder.
func PeekNextCommand(buf []byte, uplink bool) (cid CID, size int, err error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("lorawan: empty command stream")
	}
	cid = CID(buf[0])
	if uplink {
		size = SizeOfCommandUp(cid)
	} else {
		size = SizeOfCommandDown(cid)
	}
	if size < 0 {
		return cid, 0, fmt.Errorf("lorawan: unknown MAC command CID 0x%02x", byte(cid))
	}
	return cid, size, nil
}

// ChMask is the 16 bit channel activation mask used by LinkADRReq and
// NewChannel-adjacent commands.
type ChMask uint16

// Redundancy packs LinkADRReq's ChMaskCntl and NbTrans fields.
type Redundancy struct {
	ChMaskCntl uint8
	NbTrans    uint8
}

func (r Redundancy) encode() byte {
	return (r.ChMaskCntl&0x07)<<4 | r.NbTrans&0x0f
}

func decodeRedundancy(b byte) Redundancy {
	return Redundancy{ChMaskCntl: (b >> 4) & 0x07, NbTrans: b & 0x0f}
}

// LinkCheckAns is the network's answer to a LinkCheckReq (CIDLinkCheck,
// downlink).
type LinkCheckAns struct {
	Margin  uint8
	GwCount uint8
}

func (c LinkCheckAns) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 2))
	w.PutU8(c.Margin)
	w.PutU8(c.GwCount)
	return w.Bytes(), nil
}

func (c *LinkCheckAns) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	c.Margin = r.U8()
	c.GwCount = r.U8()
	return checkReader(r)
}

// LinkADRReq carries a new data rate, TX power and channel mask
// (CIDLinkADR, downlink).
type LinkADRReq struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     ChMask
	Redundancy Redundancy
}

func (c LinkADRReq) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 4))
	w.PutU8(c.DataRate<<4 | c.TXPower&0x0f)
	w.PutU16(uint16(c.ChMask))
	w.PutU8(c.Redundancy.encode())
	return w.Bytes(), nil
}

func (c *LinkADRReq) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	b := r.U8()
	c.DataRate = b >> 4
	c.TXPower = b & 0x0f
	c.ChMask = ChMask(r.U16())
	c.Redundancy = decodeRedundancy(r.U8())
	return checkReader(r)
}

// LinkADRAns is the device's answer to a LinkADRReq (CIDLinkADR,
// uplink).
type LinkADRAns struct {
	ChMaskAck    bool
	DataRateAck  bool
	TXPowerAck   bool
}

func (c LinkADRAns) MarshalBinary() ([]byte, error) {
	var b byte
	if c.ChMaskAck {
		b |= 1 << 0
	}
	if c.DataRateAck {
		b |= 1 << 1
	}
	if c.TXPowerAck {
		b |= 1 << 2
	}
	return []byte{b}, nil
}

func (c *LinkADRAns) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for LinkADRAns, got %d", len(data))
	}
	c.ChMaskAck = data[0]&(1<<0) != 0
	c.DataRateAck = data[0]&(1<<1) != 0
	c.TXPowerAck = data[0]&(1<<2) != 0
	return nil
}

// DutyCycleReq sets the maximum aggregated duty cycle (CIDDutyCycle,
// downlink). MaxDCycle follows 1/2^n encoding; 0 means unrestricted,
// 15 means transmission is suspended.
type DutyCycleReq struct {
	MaxDCycle uint8
}

func (c DutyCycleReq) MarshalBinary() ([]byte, error) { return []byte{c.MaxDCycle & 0x0f}, nil }

func (c *DutyCycleReq) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for DutyCycleReq, got %d", len(data))
	}
	c.MaxDCycle = data[0] & 0x0f
	return nil
}

// RXParamSetupReq reconfigures RX1 offset and the RX2 window
// (CIDRXParamSetup, downlink).
type RXParamSetupReq struct {
	RX1DROffset uint8
	RX2DataRate uint8
	Frequency   uint32
}

func (c RXParamSetupReq) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 4))
	w.PutU8((c.RX1DROffset&0x07)<<4 | c.RX2DataRate&0x0f)
	w.PutU24(c.Frequency / 100)
	return w.Bytes(), nil
}

func (c *RXParamSetupReq) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	b := r.U8()
	c.RX1DROffset = (b >> 4) & 0x07
	c.RX2DataRate = b & 0x0f
	c.Frequency = r.U24() * 100
	return checkReader(r)
}

// RXParamSetupAns is the device's answer (CIDRXParamSetup, uplink).
type RXParamSetupAns struct {
	ChannelAck     bool
	RX2DataRateAck bool
	RX1DROffsetAck bool
}

func (c RXParamSetupAns) MarshalBinary() ([]byte, error) {
	var b byte
	if c.ChannelAck {
		b |= 1 << 0
	}
	if c.RX2DataRateAck {
		b |= 1 << 1
	}
	if c.RX1DROffsetAck {
		b |= 1 << 2
	}
	return []byte{b}, nil
}

func (c *RXParamSetupAns) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for RXParamSetupAns, got %d", len(data))
	}
	c.ChannelAck = data[0]&(1<<0) != 0
	c.RX2DataRateAck = data[0]&(1<<1) != 0
	c.RX1DROffsetAck = data[0]&(1<<2) != 0
	return nil
}

// DevStatusAns reports battery level and last-downlink SNR
// (CIDDevStatus, uplink).
type DevStatusAns struct {
	Battery uint8
	Margin  int8
}

func (c DevStatusAns) MarshalBinary() ([]byte, error) {
	return []byte{c.Battery, byte(c.Margin) & 0x3f}, nil
}

func (c *DevStatusAns) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("lorawan: 2 bytes expected for DevStatusAns, got %d", len(data))
	}
	c.Battery = data[0]
	m := data[1] & 0x3f
	if m >= 32 {
		m -= 64 // sign-extend the 6 bit two's complement value
	}
	c.Margin = int8(m)
	return nil
}

// NewChannelReq defines or redefines a channel (CIDNewChannel,
// downlink).
type NewChannelReq struct {
	ChIndex   uint8
	Frequency uint32
	MaxDR     uint8
	MinDR     uint8
}

func (c NewChannelReq) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 5))
	w.PutU8(c.ChIndex)
	w.PutU24(c.Frequency / 100)
	w.PutU8(c.MaxDR<<4 | c.MinDR&0x0f)
	return w.Bytes(), nil
}

func (c *NewChannelReq) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	c.ChIndex = r.U8()
	c.Frequency = r.U24() * 100
	b := r.U8()
	c.MaxDR = b >> 4
	c.MinDR = b & 0x0f
	return checkReader(r)
}

// NewChannelAns is the device's answer (CIDNewChannel, uplink).
type NewChannelAns struct {
	ChannelFreqOK bool
	DataRateOK    bool
}

func (c NewChannelAns) MarshalBinary() ([]byte, error) {
	var b byte
	if c.ChannelFreqOK {
		b |= 1 << 0
	}
	if c.DataRateOK {
		b |= 1 << 1
	}
	return []byte{b}, nil
}

func (c *NewChannelAns) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for NewChannelAns, got %d", len(data))
	}
	c.ChannelFreqOK = data[0]&(1<<0) != 0
	c.DataRateOK = data[0]&(1<<1) != 0
	return nil
}

// DLChannelReq moves the RX1 frequency of an existing channel
// (CIDDLChannel, downlink).
type DLChannelReq struct {
	ChIndex   uint8
	Frequency uint32
}

func (c DLChannelReq) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 4))
	w.PutU8(c.ChIndex)
	w.PutU24(c.Frequency / 100)
	return w.Bytes(), nil
}

func (c *DLChannelReq) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	c.ChIndex = r.U8()
	c.Frequency = r.U24() * 100
	return checkReader(r)
}

// DLChannelAns is the device's answer (CIDDLChannel, uplink).
type DLChannelAns struct {
	ChannelFreqOK    bool
	UplinkFreqExists bool
}

func (c DLChannelAns) MarshalBinary() ([]byte, error) {
	var b byte
	if c.ChannelFreqOK {
		b |= 1 << 0
	}
	if c.UplinkFreqExists {
		b |= 1 << 1
	}
	return []byte{b}, nil
}

func (c *DLChannelAns) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for DLChannelAns, got %d", len(data))
	}
	c.ChannelFreqOK = data[0]&(1<<0) != 0
	c.UplinkFreqExists = data[0]&(1<<1) != 0
	return nil
}

// RXTimingSetupReq sets the RX1 delay (CIDRXTimingSetup, downlink).
type RXTimingSetupReq struct {
	Delay uint8 // seconds, 0 means 1
}

func (c RXTimingSetupReq) MarshalBinary() ([]byte, error) { return []byte{c.Delay & 0x0f}, nil }

func (c *RXTimingSetupReq) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for RXTimingSetupReq, got %d", len(data))
	}
	c.Delay = data[0] & 0x0f
	return nil
}

// TXParamSetupReq carries the regional dwell-time/EIRP limits
// (CIDTXParamSetup, downlink).
type TXParamSetupReq struct {
	DownlinkDwellTime bool
	UplinkDwellTime   bool
	MaxEIRP           uint8
}

func (c TXParamSetupReq) MarshalBinary() ([]byte, error) {
	var b byte
	if c.DownlinkDwellTime {
		b |= 1 << 5
	}
	if c.UplinkDwellTime {
		b |= 1 << 4
	}
	b |= c.MaxEIRP & 0x0f
	return []byte{b}, nil
}

func (c *TXParamSetupReq) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for TXParamSetupReq, got %d", len(data))
	}
	c.DownlinkDwellTime = data[0]&(1<<5) != 0
	c.UplinkDwellTime = data[0]&(1<<4) != 0
	c.MaxEIRP = data[0] & 0x0f
	return nil
}

// RekeyInd announces the device's supported LoRaWAN minor version
// (CIDRekey, uplink).
type RekeyInd struct {
	Version uint8
}

func (c RekeyInd) MarshalBinary() ([]byte, error) { return []byte{c.Version & 0x0f}, nil }

func (c *RekeyInd) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for RekeyInd, got %d", len(data))
	}
	c.Version = data[0] & 0x0f
	return nil
}

// RekeyConf confirms the negotiated minor version (CIDRekey,
// downlink).
type RekeyConf struct {
	Version uint8
}

func (c RekeyConf) MarshalBinary() ([]byte, error) { return []byte{c.Version & 0x0f}, nil }

func (c *RekeyConf) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for RekeyConf, got %d", len(data))
	}
	c.Version = data[0] & 0x0f
	return nil
}

// ADRParamSetupReq sets the ADR backoff limits (CIDADRParamSetup,
// downlink).
type ADRParamSetupReq struct {
	LimitExp uint8
	DelayExp uint8
}

func (c ADRParamSetupReq) MarshalBinary() ([]byte, error) {
	return []byte{(c.LimitExp&0x0f)<<4 | c.DelayExp&0x0f}, nil
}

func (c *ADRParamSetupReq) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for ADRParamSetupReq, got %d", len(data))
	}
	c.LimitExp = (data[0] >> 4) & 0x0f
	c.DelayExp = data[0] & 0x0f
	return nil
}

// DeviceTimeAns answers a DeviceTimeReq with GPS epoch seconds and a
// fractional-second count (CIDDeviceTime, downlink).
type DeviceTimeAns struct {
	Seconds    uint32
	FracSecond uint8
}

func (c DeviceTimeAns) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 5))
	w.PutU32(c.Seconds)
	w.PutU8(c.FracSecond)
	return w.Bytes(), nil
}

func (c *DeviceTimeAns) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	c.Seconds = r.U32()
	c.FracSecond = r.U8()
	return checkReader(r)
}

// ForceRejoinReq instructs the device to immediately send a rejoin
// request (CIDForceRejoin, downlink).
type ForceRejoinReq struct {
	Period     uint8
	MaxRetries uint8
	RejoinType uint8
	DataRate   uint8
}

func (c ForceRejoinReq) MarshalBinary() ([]byte, error) {
	w := stream.NewWriter(make([]byte, 2))
	w.PutU8((c.Period & 0x07 << 4) | c.MaxRetries&0x07)
	w.PutU8((c.RejoinType&0x07)<<4 | c.DataRate&0x0f)
	return w.Bytes(), nil
}

func (c *ForceRejoinReq) UnmarshalBinary(data []byte) error {
	r := stream.NewReader(data)
	b0 := r.U8()
	c.Period = (b0 >> 4) & 0x07
	c.MaxRetries = b0 & 0x07
	b1 := r.U8()
	c.RejoinType = (b1 >> 4) & 0x07
	c.DataRate = b1 & 0x0f
	return checkReader(r)
}

// RejoinParamSetupReq configures the periodic rejoin-request timers
// (CIDRejoinParamSetup, downlink).
type RejoinParamSetupReq struct {
	MaxTimeN  uint8
	MaxCountN uint8
}

func (c RejoinParamSetupReq) MarshalBinary() ([]byte, error) {
	return []byte{(c.MaxTimeN&0x0f)<<4 | c.MaxCountN&0x0f}, nil
}

func (c *RejoinParamSetupReq) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for RejoinParamSetupReq, got %d", len(data))
	}
	c.MaxTimeN = (data[0] >> 4) & 0x0f
	c.MaxCountN = data[0] & 0x0f
	return nil
}

// RejoinParamSetupAns is the device's answer (CIDRejoinParamSetup,
// uplink).
type RejoinParamSetupAns struct {
	TimeOK bool
}

func (c RejoinParamSetupAns) MarshalBinary() ([]byte, error) {
	var b byte
	if c.TimeOK {
		b = 1
	}
	return []byte{b}, nil
}

func (c *RejoinParamSetupAns) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("lorawan: 1 byte expected for RejoinParamSetupAns, got %d", len(data))
	}
	c.TimeOK = data[0]&1 != 0
	return nil
}

func checkReader(r *stream.Reader) error {
	if r.Error() {
		return fmt.Errorf("lorawan: short MAC command payload")
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("lorawan: trailing bytes in MAC command payload")
	}
	return nil
}
