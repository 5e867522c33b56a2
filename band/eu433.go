package band

import "github.com/ellenhale/lorawan-mac/lorawan"

type eu433Band struct{}

func newEU433() Band { return eu433Band{} }

func (eu433Band) Name() Name { return EU433 }

func (eu433Band) ConvertRate(rate uint8) (DataRate, error) {
	if int(rate) >= len(eu868Rates) {
		return DataRate{}, ErrInvalidRate
	}
	return eu868Rates[rate], nil
}

func (eu433Band) IsDynamic() bool { return true }

func (eu433Band) GetChannel(int) (Channel, error) { return Channel{}, ErrInvalidChannel }

func (eu433Band) NumChannels() int { return 16 }

func (eu433Band) GetRX1Rate(txRate, offset uint8) (uint8, error) {
	if int(txRate) >= len(eu868RX1Table) {
		return 0, ErrInvalidRate
	}
	row := eu868RX1Table[txRate]
	if int(offset) >= len(row) {
		return 0, ErrInvalidOffset
	}
	return row[offset], nil
}

func (eu433Band) GetRX1Freq(txFreq uint32, _ int) uint32 { return txFreq }

func (eu433Band) GetRX2Freq() uint32 { return 434665000 }
func (eu433Band) GetRX2Rate() uint8  { return 0 }

// GetBand reports no sub-band restriction for EU433
// duty-cycle model being scoped to EU868 only.
func (eu433Band) GetBand(uint32) int { return 0 }

func (eu433Band) OffTimeFactor(int) uint32 { return 0 }

func (eu433Band) ValidateFreq(freq uint32) bool { return freq >= 433050000 && freq <= 434790000 }

func (eu433Band) ValidateRate(rate, min, max uint8) bool { return rate >= min && rate <= max }

func (eu433Band) ValidateTXPower(power uint8) bool { return int(power) < len(eu433TXPower) }

var eu433TXPower = []int32{1000, 800, 600, 400, 200}

func (eu433Band) GetTXPower(power uint8) int32 {
	if int(power) >= len(eu433TXPower) {
		return 0
	}
	return eu433TXPower[power]
}

func (eu433Band) GetJoinRate(trial int) uint8 {
	schedule := []uint8{5, 4, 3, 2, 1, 0}
	return schedule[trial%len(schedule)]
}

func (eu433Band) GetJoinIndex(trial int, rnd uint32) int { return int(rnd % 3) }

func (eu433Band) GetDefaultChannels(add AddChannelFunc) error {
	defaults := []uint32{433175000, 433375000, 433575000}
	for i, f := range defaults {
		if err := add(i, f, 0, 5); err != nil {
			return err
		}
	}
	return nil
}

func (eu433Band) ProcessCFList(cf *lorawan.CFList, add AddChannelFunc) error {
	return processDynamicCFList(cf, add)
}

func (eu433Band) TXParamSetupImplemented() bool { return false }

func (eu433Band) ApplyUplinkDwell(_ bool, rate uint8) uint8 { return rate }

func (eu433Band) MaxDutyCycleOffLimit() uint32 { return 30 * 60 * 256 }
