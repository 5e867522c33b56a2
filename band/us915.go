package band

import "github.com/ellenhale/lorawan-mac/lorawan"

type us915Band struct{}

func newUS915() Band { return us915Band{} }

func (us915Band) Name() Name { return US915 }

var us915Rates = []DataRate{
	0:  {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, MaxMACPayload: 19},
	1:  {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, MaxMACPayload: 61},
	2:  {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, MaxMACPayload: 133},
	3:  {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, MaxMACPayload: 250},
	4:  {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 500, MaxMACPayload: 250},
	8:  {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 500, MaxMACPayload: 61},
	9:  {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 500, MaxMACPayload: 137},
	10: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 500, MaxMACPayload: 250},
	11: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 500, MaxMACPayload: 250},
	12: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 500, MaxMACPayload: 250},
	13: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 500, MaxMACPayload: 250},
}

var us915RX1Table = [][]uint8{
	0: {10, 9, 8, 8, 8, 8, 8, 8},
	1: {11, 10, 9, 8, 8, 8, 8, 8},
	2: {12, 11, 10, 9, 8, 8, 8, 8},
	3: {13, 12, 11, 10, 9, 8, 8, 8},
	4: {13, 13, 12, 11, 10, 9, 8, 8},
}

var us915TXPower = []int32{3000, 2800, 2600, 2400, 2200, 2000, 1800, 1600, 1400, 1200, 1000}

func (us915Band) ConvertRate(rate uint8) (DataRate, error) {
	d, ok := indexRate(us915Rates, rate)
	if !ok {
		return DataRate{}, ErrInvalidRate
	}
	return d, nil
}

func (us915Band) IsDynamic() bool { return false }

// GetChannel computes the frequency plan by formula: 64 uplink 125 kHz
// channels (0-63, DR0-3) at 902.3 + 0.2*i MHz, then 8 uplink 500 kHz
// channels (64-71, DR4) at 903.0 + 1.6*(i-64) MHz.
func (us915Band) GetChannel(index int) (Channel, error) {
	switch {
	case index >= 0 && index < 64:
		return Channel{Frequency: 902300000 + uint32(index)*200000, MinRate: 0, MaxRate: 3}, nil
	case index >= 64 && index < 72:
		return Channel{Frequency: 903000000 + uint32(index-64)*1600000, MinRate: 4, MaxRate: 4}, nil
	default:
		return Channel{}, ErrInvalidChannel
	}
}

func (us915Band) NumChannels() int { return 72 }

func (us915Band) GetRX1Rate(txRate, offset uint8) (uint8, error) {
	if int(txRate) >= len(us915RX1Table) {
		return 0, ErrInvalidRate
	}
	row := us915RX1Table[txRate]
	if int(offset) >= len(row) {
		return 0, ErrInvalidOffset
	}
	return row[offset], nil
}

// GetRX1Freq returns the fixed downlink channel paired with the uplink
// channel index (index % 8, mapped onto the 500 kHz downlink plan).
func (us915Band) GetRX1Freq(_ uint32, index int) uint32 {
	return 923300000 + uint32(index%8)*600000
}

func (us915Band) GetRX2Freq() uint32 { return 923300000 }
func (us915Band) GetRX2Rate() uint8  { return 8 }

func (us915Band) GetBand(uint32) int      { return 0 }
func (us915Band) OffTimeFactor(int) uint32 { return 0 }

func (us915Band) ValidateFreq(freq uint32) bool {
	return (freq >= 902300000 && freq <= 914900000) || (freq >= 923300000 && freq <= 927500000)
}

func (us915Band) ValidateRate(rate, min, max uint8) bool { return rate >= min && rate <= max }

func (us915Band) ValidateTXPower(power uint8) bool { return int(power) < len(us915TXPower) }

func (us915Band) GetTXPower(power uint8) int32 {
	if int(power) >= len(us915TXPower) {
		return 0
	}
	return us915TXPower[power]
}

func (us915Band) GetJoinRate(trial int) uint8 {
	schedule := []uint8{0, 1, 2, 3}
	return schedule[trial%len(schedule)]
}

// GetJoinIndex alternates between a random 125 kHz channel of a
// rotating sub-band (one of the nine 8-channel groups) and that
// sub-band's 500 kHz channel
func (us915Band) GetJoinIndex(trial int, rnd uint32) int {
	subBand := trial % 8
	if trial%2 == 0 {
		return subBand*8 + int(rnd%8)
	}
	return 64 + subBand
}

func (us915Band) GetDefaultChannels(add AddChannelFunc) error {
	for i := 0; i < 64; i++ {
		if err := add(i, 902300000+uint32(i)*200000, 0, 3); err != nil {
			return err
		}
	}
	for i := 64; i < 72; i++ {
		if err := add(i, 903000000+uint32(i-64)*1600000, 4, 4); err != nil {
			return err
		}
	}
	return nil
}

func (us915Band) ProcessCFList(cf *lorawan.CFList, add AddChannelFunc) error {
	return processFixedCFList(cf, add, 0, 4)
}

func (us915Band) TXParamSetupImplemented() bool { return false }

func (us915Band) ApplyUplinkDwell(_ bool, rate uint8) uint8 { return rate }

func (us915Band) MaxDutyCycleOffLimit() uint32 { return 0 }

func indexRate(table []DataRate, rate uint8) (DataRate, bool) {
	if int(rate) >= len(table) {
		return DataRate{}, false
	}
	d := table[rate]
	if d.Modulation == "" {
		return DataRate{}, false
	}
	return d, true
}
