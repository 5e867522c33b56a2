// Package radio defines the boundary between the MAC scheduler and the
// concrete SX127x/SX126x-class transceiver driver. The
// concrete register-level driver is explicitly out of scope;
// this package only states the capability surface the driver must
// offer, modeled after the register-level shape of the retrieval pack's
// SX1276/SX1231 Go drivers (a small Mode enum plus a status-poll call)
// rather than a heavyweight SPI-bus abstraction.
package radio

// Mode is the operating mode the MAC scheduler drives the radio
// through over the course of a join/uplink/RX cycle.
type Mode uint8

// Modes the MAC scheduler cycles the radio through.
const (
	ModeReset Mode = iota
	ModeSleep
	ModeStandby
	ModeRx
	ModeTxRFO
	ModeTxBoost
	ModeHold
	ModeBoot
)

func (m Mode) String() string {
	switch m {
	case ModeReset:
		return "Reset"
	case ModeSleep:
		return "Sleep"
	case ModeStandby:
		return "Standby"
	case ModeRx:
		return "Rx"
	case ModeTxRFO:
		return "TxRFO"
	case ModeTxBoost:
		return "TxBoost"
	case ModeHold:
		return "Hold"
	case ModeBoot:
		return "Boot"
	default:
		return "Unknown"
	}
}

// TxSetting describes one transmission: the channel frequency, the
// data rate index (the MAC scheduler has already resolved this via
// band.Band before calling Transmit) and the regional power index.
type TxSetting struct {
	Freq  uint32
	Rate  uint8
	Power uint8
}

// RxSetting describes one receive window.
type RxSetting struct {
	Freq           uint32
	Rate           uint8
	TimeoutSymbols uint16
}

// Meta carries the link-quality metadata captured alongside a received
// frame.
type Meta struct {
	RSSI int16
	SNR  int8
}

// Status reports the radio's interrupt state as of the last
// GetStatus call: whether a transmission completed, whether
// a frame was received, and whether the armed RX window has timed out.
type Status struct {
	TX      bool
	RX      bool
	Timeout bool
}

// Radio is the capability the MAC scheduler requires of a concrete
// transceiver driver. The MAC only ever borrows a Radio for the
// duration of a call; it never owns
// one.
type Radio interface {
	// SetMode drives the radio into mode, e.g. asserting RESET, putting
	// it to sleep between operations, or arming it for TX/RX.
	SetMode(mode Mode) error

	// ReadEntropy samples the radio's wideband-noise entropy source
	// once it has been placed in an entropy-gathering mode.
	ReadEntropy() (uint32, error)

	// ReadBuffer copies a received frame (and its RSSI/SNR) out of the
	// radio's FIFO into data, returning the number of bytes read.
	ReadBuffer(meta *Meta, data []byte) (int, error)

	// Transmit starts transmitting data per setting. It returns once
	// the transmission has been handed to the radio, not once airtime
	// has elapsed; completion is reported asynchronously via
	// GetStatus/TX.
	Transmit(setting TxSetting, data []byte) error

	// Receive arms a receive window per setting.
	Receive(setting RxSetting) error

	// ReceiveEntropy arms the radio to sample wideband noise instead of
	// demodulating a frame.
	ReceiveEntropy() error

	// GetStatus reports which interrupt condition(s) are currently
	// latched on the radio.
	GetStatus() (Status, error)

	// XtalDelay returns, in milliseconds, the crystal/PLL settle time
	// the driver needs baked into RX-window timing.
	XtalDelay() uint32
}
