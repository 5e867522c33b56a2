package lorawan

import (
	"errors"

	"github.com/ellenhale/lorawan-mac/stream"
)

// PhyOverhead is the fixed MHDR+MIC overhead present in every PHY
// frame.
const PhyOverhead = 5

// DataOverhead is the fixed FHDR(no fopts)+FPort overhead of a data
// frame carrying an application payload.
const DataOverhead = 8

// Errors returned by Decode.
var (
	ErrShortFrame      = errors.New("lorawan: frame too short")
	ErrBadMHDR         = errors.New("lorawan: reserved MHDR bits set")
	ErrUnsupportedType = errors.New("lorawan: unsupported or unknown frame type")
	ErrTrailingBytes   = errors.New("lorawan: trailing bytes after MIC")
	ErrOptsPortClash   = errors.New("lorawan: FOpts and port-0 FRMPayload cannot both be present")
)

// Frame is a flattened, direction-agnostic representation of any of the
// six LoRaWAN PHY frame shapes. Only the fields relevant to MHDR.MType
// are populated; a single struct keeps the codec operating on one
// shared buffer with computed offsets rather than an object graph,
// which is what the in-place payload encryption needs.
type Frame struct {
	MHDR MHDR

	// data frames (up and down)
	DevAddr    DevAddr
	FCtrl      FCtrl
	FCnt       uint16
	FOpts      []byte // raw bytes, at most 15; MAC-command decoding is a separate pass
	FPort      *uint8
	FRMPayload []byte

	// join request
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce DevNonce

	// join accept
	JoinNonce  JoinNonce
	NetID      NetID
	DLSettings DLSettings
	RXDelay    uint8
	CFList     *CFList

	// rejoin request (type 0/2 shape only)
	RejoinType uint8
	RJCount    uint16

	MIC MIC
}

// EncodeDataUp encodes an uplink data frame (MTypeUnconfirmedDataUp or
// MTypeConfirmedDataUp) into buf. It returns the total length, the
// offset FOpts starts at and the offset FRMPayload starts at, so the
// caller can encrypt each region in place once the bytes exist. The
// trailing 4 bytes are a zero placeholder for the MIC, written with
// UpdateMIC once it has been computed over the returned bytes.
func EncodeDataUp(buf []byte, f *Frame) (n, foptsOffset, frmOffset int, err error) {
	if f.MHDR.MType() != MTypeUnconfirmedDataUp && f.MHDR.MType() != MTypeConfirmedDataUp {
		return 0, 0, 0, ErrUnsupportedType
	}
	if len(f.FOpts) > 15 {
		return 0, 0, 0, errors.New("lorawan: FOpts must be at most 15 bytes")
	}
	if f.FPort != nil && *f.FPort == 0 && len(f.FOpts) > 0 {
		return 0, 0, 0, ErrOptsPortClash
	}

	w := stream.NewWriter(buf)
	w.PutU8(byte(f.MHDR))

	devAddrB, _ := f.DevAddr.MarshalBinary()
	w.PutBytes(devAddrB)

	fctrl := NewFCtrl(f.FCtrl.ADR(), f.FCtrl.ADRACKReq(), f.FCtrl.ACK(), uint8(len(f.FOpts)))
	w.PutU8(byte(fctrl))
	w.PutU16(f.FCnt)

	foptsOffset = w.Len()
	w.PutBytes(f.FOpts)

	frmOffset = -1
	if f.FPort != nil {
		w.PutU8(*f.FPort)
		frmOffset = w.Len()
		w.PutBytes(f.FRMPayload)
	}

	w.PutU32(0) // MIC placeholder

	if w.Error() {
		return 0, 0, 0, errors.New("lorawan: buffer too small to encode frame")
	}
	return w.Len(), foptsOffset, frmOffset, nil
}

// EncodeJoinRequest encodes a join-request frame into buf.
func EncodeJoinRequest(buf []byte, f *Frame) (n int, err error) {
	w := stream.NewWriter(buf)
	w.PutU8(byte(NewMHDR(MTypeJoinRequest, MajorR1)))
	w.PutEUI(f.JoinEUI)
	w.PutEUI(f.DevEUI)
	devNonceB, _ := f.DevNonce.MarshalBinary()
	w.PutBytes(devNonceB)
	w.PutU32(0) // MIC placeholder
	if w.Error() {
		return 0, errors.New("lorawan: buffer too small to encode join-request")
	}
	return w.Len(), nil
}

// EncodeRejoinRequest encodes a type 0/2 rejoin-request frame into buf.
func EncodeRejoinRequest(buf []byte, f *Frame) (n int, err error) {
	w := stream.NewWriter(buf)
	w.PutU8(byte(NewMHDR(MTypeRejoinRequest, MajorR1)))
	w.PutU8(f.RejoinType)
	netIDB, _ := f.NetID.MarshalBinary()
	w.PutBytes(netIDB)
	w.PutEUI(f.DevEUI)
	w.PutU16(f.RJCount)
	w.PutU32(0) // MIC placeholder
	if w.Error() {
		return 0, errors.New("lorawan: buffer too small to encode rejoin-request")
	}
	return w.Len(), nil
}

// UpdateMIC overwrites the last 4 bytes of buf with mic.
func UpdateMIC(buf []byte, mic MIC) error {
	if len(buf) < 4 {
		return ErrShortFrame
	}
	copy(buf[len(buf)-4:], mic[:])
	return nil
}

// Decode parses any of the six PHY frame shapes out of buf.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < PhyOverhead {
		return nil, ErrShortFrame
	}

	r := stream.NewReader(buf)
	f := &Frame{MHDR: MHDR(r.U8())}

	if f.MHDR.RFUSet() {
		return nil, ErrBadMHDR
	}

	switch f.MHDR.MType() {
	case MTypeJoinRequest:
		return decodeJoinRequest(r, f, buf)
	case MTypeJoinAccept:
		return decodeJoinAccept(r, f, buf)
	case MTypeUnconfirmedDataDown, MTypeConfirmedDataDown,
		MTypeUnconfirmedDataUp, MTypeConfirmedDataUp:
		return decodeData(r, f, buf)
	case MTypeRejoinRequest:
		return decodeRejoinRequest(r, f, buf)
	default:
		return nil, ErrUnsupportedType
	}
}

func decodeJoinRequest(r *stream.Reader, f *Frame, buf []byte) (*Frame, error) {
	if len(buf) != 1+8+8+2+4 {
		return nil, ErrShortFrame
	}
	f.JoinEUI = r.EUI()
	f.DevEUI = r.EUI()
	f.DevNonce = DevNonce(r.U16())
	copy(f.MIC[:], r.Bytes(4))
	if r.Error() {
		return nil, ErrShortFrame
	}
	return f, nil
}

func decodeRejoinRequest(r *stream.Reader, f *Frame, buf []byte) (*Frame, error) {
	if len(buf) != 1+1+3+8+2+4 {
		return nil, ErrShortFrame
	}
	f.RejoinType = r.U8()
	netIDB := r.Bytes(3)
	_ = f.NetID.UnmarshalBinary(netIDB)
	f.DevEUI = r.EUI()
	f.RJCount = r.U16()
	copy(f.MIC[:], r.Bytes(4))
	if r.Error() {
		return nil, ErrShortFrame
	}
	return f, nil
}

func decodeJoinAccept(r *stream.Reader, f *Frame, buf []byte) (*Frame, error) {
	// 1 (mhdr) + 3 (joinNonce) + 3 (netID) + 4 (devAddr) + 1 (dlSettings)
	// + 1 (rxDelay) + [16 (cfList)] + 4 (mic)
	const withoutCFList = 1 + 3 + 3 + 4 + 1 + 1 + 4
	const withCFList = withoutCFList + 16

	if len(buf) != withoutCFList && len(buf) != withCFList {
		return nil, ErrShortFrame
	}

	joinNonceB := r.Bytes(3)
	_ = f.JoinNonce.UnmarshalBinary(joinNonceB)
	netIDB := r.Bytes(3)
	_ = f.NetID.UnmarshalBinary(netIDB)
	devAddrB := r.Bytes(4)
	_ = f.DevAddr.UnmarshalBinary(devAddrB)
	_ = f.DLSettings.UnmarshalBinary(r.Bytes(1))

	rxDelay := r.U8()
	if rxDelay == 0 {
		rxDelay = 1
	}
	f.RXDelay = rxDelay

	if len(buf) == withCFList {
		var cf CFList
		if err := cf.UnmarshalBinary(r.Bytes(16)); err != nil {
			return nil, err
		}
		f.CFList = &cf
	}

	copy(f.MIC[:], r.Bytes(4))
	if r.Error() {
		return nil, ErrShortFrame
	}
	if r.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return f, nil
}

func decodeData(r *stream.Reader, f *Frame, buf []byte) (*Frame, error) {
	devAddrB := r.Bytes(4)
	if err := f.DevAddr.UnmarshalBinary(devAddrB); err != nil {
		return nil, err
	}
	f.FCtrl = FCtrl(r.U8())
	f.FCnt = r.U16()

	foptsLen := int(f.FCtrl.FOptsLen())
	f.FOpts = r.Bytes(foptsLen)
	if r.Error() {
		return nil, ErrShortFrame
	}

	// everything up to the trailing 4 byte MIC, minus what's been read.
	remaining := r.Remaining()
	if remaining < 4 {
		return nil, ErrShortFrame
	}

	if remaining > 4 {
		port := r.U8()
		f.FPort = &port
		f.FRMPayload = r.Bytes(remaining - 4 - 1)
		if r.Error() {
			return nil, ErrShortFrame
		}
		if port == 0 && foptsLen > 0 {
			return nil, ErrOptsPortClash
		}
	}

	copy(f.MIC[:], r.Bytes(4))
	if r.Error() || r.Remaining() != 0 {
		return nil, ErrShortFrame
	}
	return f, nil
}
