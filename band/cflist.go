package band

import "github.com/ellenhale/lorawan-mac/lorawan"

// processDynamicCFList installs the up to 5 extra channels carried by
// a CFListChannels join-accept tail, for EU-style dynamic regions. A
// CFList with the channel-mask shape (type 1) is not applicable to a
// dynamic region and is ignored.
func processDynamicCFList(cf *lorawan.CFList, add AddChannelFunc) error {
	if cf == nil || cf.Type != lorawan.CFListChannels {
		return nil
	}
	for i, freq := range cf.Frequencies {
		if freq == 0 {
			continue
		}
		if err := add(3+i, freq, 0, 5); err != nil {
			return err
		}
	}
	return nil
}

// processFixedCFList applies a CFListChannelMasks join-accept tail to
// a fixed-plan region (US915/AU915), enabling/disabling the 500 kHz
// blocks of 16 channels it describes. A CFListChannels tail (type 0)
// is not applicable to a fixed region and is ignored.
func processFixedCFList(cf *lorawan.CFList, add AddChannelFunc, minRate, maxRate uint8) error {
	if cf == nil || cf.Type != lorawan.CFListChannelMasks {
		return nil
	}
	for block, mask := range cf.ChannelMasks {
		for bit := 0; bit < 16; bit++ {
			index := block*16 + bit
			if mask&(1<<uint(bit)) == 0 {
				continue
			}
			if err := add(index, 1, minRate, maxRate); err != nil {
				return err
			}
		}
	}
	return nil
}
