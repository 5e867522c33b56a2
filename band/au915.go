package band

import "github.com/ellenhale/lorawan-mac/lorawan"

type au915Band struct{}

func newAU915() Band { return au915Band{} }

func (au915Band) Name() Name { return AU915 }

var au915Rates = []DataRate{
	0:  {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 125, MaxMACPayload: 59},
	1:  {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 125, MaxMACPayload: 59},
	2:  {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, MaxMACPayload: 123},
	3:  {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, MaxMACPayload: 123},
	4:  {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, MaxMACPayload: 230},
	5:  {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, MaxMACPayload: 230},
	6:  {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 500, MaxMACPayload: 230},
	8:  {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 500, MaxMACPayload: 61},
	9:  {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 500, MaxMACPayload: 137},
	10: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 500, MaxMACPayload: 250},
	11: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 500, MaxMACPayload: 250},
	12: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 500, MaxMACPayload: 250},
	13: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 500, MaxMACPayload: 250},
}

var au915RX1Table = [][]uint8{
	0: {8, 8, 8, 8, 8, 8},
	1: {9, 8, 8, 8, 8, 8},
	2: {10, 9, 8, 8, 8, 8},
	3: {11, 10, 9, 8, 8, 8},
	4: {12, 11, 10, 9, 8, 8},
	5: {13, 12, 11, 10, 9, 8},
	6: {13, 13, 12, 11, 10, 9},
}

var au915TXPower = []int32{3000, 2800, 2600, 2400, 2200, 2000, 1800, 1600, 1400, 1200, 1000}

func (au915Band) ConvertRate(rate uint8) (DataRate, error) {
	d, ok := indexRate(au915Rates, rate)
	if !ok {
		return DataRate{}, ErrInvalidRate
	}
	return d, nil
}

func (au915Band) IsDynamic() bool { return false }

func (au915Band) GetChannel(index int) (Channel, error) {
	switch {
	case index >= 0 && index < 64:
		return Channel{Frequency: 915200000 + uint32(index)*200000, MinRate: 0, MaxRate: 5}, nil
	case index >= 64 && index < 72:
		return Channel{Frequency: 915900000 + uint32(index-64)*1600000, MinRate: 6, MaxRate: 6}, nil
	default:
		return Channel{}, ErrInvalidChannel
	}
}

func (au915Band) NumChannels() int { return 72 }

func (au915Band) GetRX1Rate(txRate, offset uint8) (uint8, error) {
	if int(txRate) >= len(au915RX1Table) {
		return 0, ErrInvalidRate
	}
	row := au915RX1Table[txRate]
	if int(offset) >= len(row) {
		return 0, ErrInvalidOffset
	}
	return row[offset], nil
}

func (au915Band) GetRX1Freq(_ uint32, index int) uint32 {
	return 923300000 + uint32(index%8)*600000
}

func (au915Band) GetRX2Freq() uint32 { return 923300000 }
func (au915Band) GetRX2Rate() uint8  { return 8 }

func (au915Band) GetBand(uint32) int       { return 0 }
func (au915Band) OffTimeFactor(int) uint32 { return 0 }

func (au915Band) ValidateFreq(freq uint32) bool {
	return (freq >= 915200000 && freq <= 928200000) || (freq >= 923300000 && freq <= 927500000)
}

func (au915Band) ValidateRate(rate, min, max uint8) bool { return rate >= min && rate <= max }

func (au915Band) ValidateTXPower(power uint8) bool { return int(power) < len(au915TXPower) }

func (au915Band) GetTXPower(power uint8) int32 {
	if int(power) >= len(au915TXPower) {
		return 0
	}
	return au915TXPower[power]
}

func (au915Band) GetJoinRate(trial int) uint8 {
	schedule := []uint8{2, 3, 4, 5}
	return schedule[trial%len(schedule)]
}

func (au915Band) GetJoinIndex(trial int, rnd uint32) int {
	subBand := trial % 8
	if trial%2 == 0 {
		return subBand*8 + int(rnd%8)
	}
	return 64 + subBand
}

func (au915Band) GetDefaultChannels(add AddChannelFunc) error {
	for i := 0; i < 64; i++ {
		if err := add(i, 915200000+uint32(i)*200000, 0, 5); err != nil {
			return err
		}
	}
	for i := 64; i < 72; i++ {
		if err := add(i, 915900000+uint32(i-64)*1600000, 6, 6); err != nil {
			return err
		}
	}
	return nil
}

func (au915Band) ProcessCFList(cf *lorawan.CFList, add AddChannelFunc) error {
	return processFixedCFList(cf, add, 0, 6)
}

// TXParamSetupImplemented is true only for AU915
func (au915Band) TXParamSetupImplemented() bool { return true }

// ApplyUplinkDwell raises the rate to at least DR2 when uplink dwell
// time limiting is active
func (au915Band) ApplyUplinkDwell(dwell bool, rate uint8) uint8 {
	if dwell && rate < 2 {
		return 2
	}
	return rate
}

func (au915Band) MaxDutyCycleOffLimit() uint32 { return 0 }
