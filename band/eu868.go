package band

import (
	"github.com/ellenhale/lorawan-mac/lorawan"
)

type eu868Band struct{}

func newEU868() Band { return eu868Band{} }

func (eu868Band) Name() Name { return EU868 }

var eu868Rates = []DataRate{
	0: {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 125, MaxMACPayload: 59},
	1: {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 125, MaxMACPayload: 59},
	2: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, MaxMACPayload: 59},
	3: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, MaxMACPayload: 123},
	4: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, MaxMACPayload: 230},
	5: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, MaxMACPayload: 230},
	6: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 250, MaxMACPayload: 230},
	7: {Modulation: FSKModulation, BitRate: 50000, MaxMACPayload: 230},
}

// rx1DataRateTable[txRate][offset] per Regional Parameters.
var eu868RX1Table = [][]uint8{
	0: {0, 0, 0, 0, 0, 0},
	1: {1, 0, 0, 0, 0, 0},
	2: {2, 1, 0, 0, 0, 0},
	3: {3, 2, 1, 0, 0, 0},
	4: {4, 3, 2, 1, 0, 0},
	5: {5, 4, 3, 2, 1, 0},
	6: {6, 5, 4, 3, 2, 1},
	7: {7, 6, 5, 4, 3, 2},
}

var eu868TXPower = []int32{1600, 1400, 1200, 1000, 800, 600, 400, 200}

func (eu868Band) ConvertRate(rate uint8) (DataRate, error) {
	if int(rate) >= len(eu868Rates) {
		return DataRate{}, ErrInvalidRate
	}
	return eu868Rates[rate], nil
}

func (eu868Band) IsDynamic() bool { return true }

func (eu868Band) GetChannel(int) (Channel, error) { return Channel{}, ErrInvalidChannel }

func (eu868Band) NumChannels() int { return 16 }

func (eu868Band) GetRX1Rate(txRate, offset uint8) (uint8, error) {
	if int(txRate) >= len(eu868RX1Table) {
		return 0, ErrInvalidRate
	}
	row := eu868RX1Table[txRate]
	if int(offset) >= len(row) {
		return 0, ErrInvalidOffset
	}
	return row[offset], nil
}

func (eu868Band) GetRX1Freq(txFreq uint32, _ int) uint32 { return txFreq }

func (eu868Band) GetRX2Freq() uint32 { return 869525000 }
func (eu868Band) GetRX2Rate() uint8  { return 0 }

// GetBand maps a frequency to a EU868 sub-band: 1 = g (863-868.6, 1%),
// 2 = g1 (868.7-869.2, 0.1%), 3 = g2 (869.4-869.65, 10%), 4 = everything
// else inside the ISM band (1%, conservative default).
func (eu868Band) GetBand(freq uint32) int {
	switch {
	case freq >= 863000000 && freq <= 868600000:
		return 1
	case freq >= 868700000 && freq <= 869200000:
		return 2
	case freq >= 869400000 && freq <= 869650000:
		return 3
	default:
		return 4
	}
}

func (eu868Band) OffTimeFactor(band int) uint32 {
	switch band {
	case 1, 4:
		return 100
	case 2:
		return 1000
	case 3:
		return 10
	default:
		return 0
	}
}

func (eu868Band) ValidateFreq(freq uint32) bool { return freq >= 863000000 && freq <= 870000000 }

func (eu868Band) ValidateRate(rate, min, max uint8) bool { return rate >= min && rate <= max }

func (eu868Band) ValidateTXPower(power uint8) bool { return int(power) < len(eu868TXPower) }

func (eu868Band) GetTXPower(power uint8) int32 {
	if int(power) >= len(eu868TXPower) {
		return 0
	}
	return eu868TXPower[power]
}

func (eu868Band) GetJoinRate(trial int) uint8 {
	// Cycle DR5..DR0 as retries accumulate, matching the EU868 join
	// back-off schedule.
	schedule := []uint8{5, 4, 3, 2, 1, 0}
	return schedule[trial%len(schedule)]
}

func (eu868Band) GetJoinIndex(trial int, rnd uint32) int {
	return int(rnd % 3)
}

func (eu868Band) GetDefaultChannels(add AddChannelFunc) error {
	defaults := []uint32{868100000, 868300000, 868500000}
	for i, f := range defaults {
		if err := add(i, f, 0, 5); err != nil {
			return err
		}
	}
	return nil
}

func (b eu868Band) ProcessCFList(cf *lorawan.CFList, add AddChannelFunc) error {
	return processDynamicCFList(cf, add)
}

func (eu868Band) TXParamSetupImplemented() bool { return false }

func (eu868Band) ApplyUplinkDwell(_ bool, rate uint8) uint8 { return rate }

func (eu868Band) MaxDutyCycleOffLimit() uint32 { return 30 * 60 * 256 }
