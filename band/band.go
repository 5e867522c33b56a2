// Package band provides the per-region tables an end-device consults to
// pick a channel, a data rate and a transmit power, and to know how
// long it must stay silent after transmitting. Unlike a network
// server's band package (which computes what to *tell* a device), this
// one answers the device's own questions about itself: which rate does
// a given index mean, is RX1 at this offset legal, what sub-band does
// this frequency belong to.
package band

import (
	"errors"
	"fmt"

	"github.com/ellenhale/lorawan-mac/lorawan"
)

// Name identifies a supported region.
type Name string

// Supported regions.
const (
	EU868 Name = "EU868"
	EU433 Name = "EU433"
	US915 Name = "US915"
	AU915 Name = "AU915"
)

// Modulation distinguishes LoRa from FSK data rates.
type Modulation string

// Supported modulations.
const (
	LoRaModulation Modulation = "LORA"
	FSKModulation  Modulation = "FSK"
)

// DataRate describes one entry of a region's data-rate table.
type DataRate struct {
	Modulation   Modulation
	SpreadFactor int
	Bandwidth    int // kHz
	BitRate      int // bits/s, FSK only
	MaxMACPayload int // largest MACPayload size (M) at this rate, repeater-compatible
}

// Channel describes one frequency plan slot.
type Channel struct {
	Frequency uint32 // Hz, 0 means disabled
	MinRate   uint8
	MaxRate   uint8
}

// ErrInvalidRate is returned when a rate index has no table entry.
var ErrInvalidRate = errors.New("band: invalid data rate index")

// ErrInvalidChannel is returned when a channel index is out of range.
var ErrInvalidChannel = errors.New("band: invalid channel index")

// ErrInvalidOffset is returned when an RX1 data-rate offset is out of
// range for the uplink rate it was paired with.
var ErrInvalidOffset = errors.New("band: invalid RX1 data-rate offset")

// AddChannelFunc is how GetDefaultChannels/ProcessCFList report the
// channels they want installed; it is a device's session.AddChannel
// bound at the call site so this package never depends on session.
type AddChannelFunc func(index int, freq uint32, minRate, maxRate uint8) error

// Band is the per-region table an end-device consults while scheduling
// its next transmission.
type Band interface {
	Name() Name

	// ConvertRate maps a data-rate index to its modulation parameters.
	ConvertRate(rate uint8) (DataRate, error)

	// IsDynamic reports whether the region uses a freely configurable
	// channel plan (true, EU*) or a fixed sub-band plan (false, US/AU).
	IsDynamic() bool

	// GetChannel returns the channel for index, computed from a
	// formula for fixed-plan regions.
	GetChannel(index int) (Channel, error)

	// NumChannels returns the total channel count of the region's plan.
	NumChannels() int

	// GetRX1Rate returns the RX1 data rate for a given uplink rate and
	// RX1 data-rate offset.
	GetRX1Rate(txRate, offset uint8) (uint8, error)

	// GetRX1Freq returns the RX1 frequency for the channel the uplink
	// went out on.
	GetRX1Freq(txFreq uint32, index int) uint32

	GetRX2Freq() uint32
	GetRX2Rate() uint8

	// GetBand maps a frequency to a duty-cycle sub-band (EU868); 0
	// elsewhere.
	GetBand(freq uint32) int

	// OffTimeFactor returns the off-time multiplier (1/duty-cycle) for
	// a sub-band; 0 means no duty-cycle restriction is modeled.
	OffTimeFactor(band int) uint32

	ValidateFreq(freq uint32) bool
	ValidateRate(rate, min, max uint8) bool
	ValidateTXPower(power uint8) bool

	// GetTXPower returns the EIRP, in centi-dBm, for a power index.
	GetTXPower(power uint8) int32

	GetJoinRate(trial int) uint8
	GetJoinIndex(trial int, rnd uint32) int

	GetDefaultChannels(add AddChannelFunc) error
	ProcessCFList(cf *lorawan.CFList, add AddChannelFunc) error

	TXParamSetupImplemented() bool
	ApplyUplinkDwell(dwell bool, rate uint8) uint8

	// MaxDutyCycleOffLimit is a cap, in duty.Units, on accumulated
	// off-time beyond which retries are suppressed rather than queued
	// indefinitely.
	MaxDutyCycleOffLimit() uint32
}

// Get returns the Band implementation for name.
func Get(name Name) (Band, error) {
	switch name {
	case EU868:
		return newEU868(), nil
	case EU433:
		return newEU433(), nil
	case US915:
		return newUS915(), nil
	case AU915:
		return newAU915(), nil
	default:
		return nil, fmt.Errorf("band: unsupported region %q", name)
	}
}
