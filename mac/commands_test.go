package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/lorawan"
)

func cmdBytes(t *testing.T, cid lorawan.CID, payload interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()
	out := []byte{byte(cid)}
	if payload != nil {
		b, err := payload.MarshalBinary()
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func joinedDevice(t *testing.T, region band.Name) *Device {
	h := newHarness(t, region)
	h.join()
	return h.dev
}

func TestProcessCommandsDutyCycle(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDDutyCycle, lorawan.DutyCycleReq{MaxDCycle: 7}))

	assert.Equal(t, uint8(7), d.ctx.MaxDutyCycle)
	assert.True(t, d.ctx.IsPending(lorawan.CIDDutyCycle))
}

func TestProcessCommandsRXParamSetup(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDRXParamSetup, lorawan.RXParamSetupReq{
		RX1DROffset: 2,
		RX2DataRate: 3,
		Frequency:   869100000,
	}))

	assert.Equal(t, uint8(2), d.ctx.RX1DROffset)
	assert.Equal(t, uint8(3), d.ctx.RX2DataRate)
	assert.Equal(t, uint32(869100000), d.ctx.RX2Freq)
	assert.True(t, d.ctx.IsPending(lorawan.CIDRXParamSetup))
	assert.True(t, d.ctx.RXParamSetupAns.ChannelAck)
}

func TestProcessCommandsDevStatusClampsMargin(t *testing.T) {
	d := joinedDevice(t, band.EU868)
	d.rxSNR = 50

	d.processCommands(cmdBytes(t, lorawan.CIDDevStatus, nil))

	assert.True(t, d.ctx.IsPending(lorawan.CIDDevStatus))
	assert.Equal(t, int8(31), d.ctx.DevStatusAns.Margin)
	assert.Equal(t, uint8(100), d.ctx.DevStatusAns.Battery)
}

func TestProcessCommandsNewChannel(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDNewChannel, lorawan.NewChannelReq{
		ChIndex:   5,
		Frequency: 867100000,
		MinDR:     0,
		MaxDR:     5,
	}))

	require.True(t, d.ctx.IsPending(lorawan.CIDNewChannel))
	assert.True(t, d.ctx.NewChannelAns.ChannelFreqOK)
	assert.True(t, d.ctx.NewChannelAns.DataRateOK)

	ch, err := d.ctx.GetChannel(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(867100000), ch.Frequency)
	assert.False(t, d.ctx.IsMasked(5))
}

func TestProcessCommandsNewChannelRejectsBadFreq(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDNewChannel, lorawan.NewChannelReq{
		ChIndex:   5,
		Frequency: 433100000, // outside EU868
		MinDR:     0,
		MaxDR:     5,
	}))

	require.True(t, d.ctx.IsPending(lorawan.CIDNewChannel))
	assert.False(t, d.ctx.NewChannelAns.ChannelFreqOK)
	_, err := d.ctx.GetChannel(5)
	assert.Error(t, err)
}

func TestProcessCommandsNewChannelIgnoredOnFixedPlan(t *testing.T) {
	d := joinedDevice(t, band.US915)

	d.processCommands(cmdBytes(t, lorawan.CIDNewChannel, lorawan.NewChannelReq{
		ChIndex:   5,
		Frequency: 903000000,
	}))

	assert.False(t, d.ctx.IsPending(lorawan.CIDNewChannel))
}

func TestProcessCommandsRXTimingSetupCoercesZero(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDRXTimingSetup, lorawan.RXTimingSetupReq{Delay: 0}))

	assert.Equal(t, uint8(1), d.ctx.RX1Delay)
	assert.True(t, d.ctx.IsPending(lorawan.CIDRXTimingSetup))
}

func TestProcessCommandsADRParamSetup(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDADRParamSetup, lorawan.ADRParamSetupReq{
		LimitExp: 5,
		DelayExp: 4,
	}))

	assert.Equal(t, uint16(32), d.ctx.ADRAckLimit)
	assert.Equal(t, uint16(16), d.ctx.ADRAckDelay)
	assert.True(t, d.ctx.IsPending(lorawan.CIDADRParamSetup))
}

func TestProcessCommandsRekeyConf(t *testing.T) {
	d := joinedDevice(t, band.EU868)
	d.ctx.Version = 1
	d.ctx.SetPendingCmd(lorawan.CIDRekey)

	// a version other than the device's is discarded
	d.processCommands(cmdBytes(t, lorawan.CIDRekey, lorawan.RekeyConf{Version: 2}))
	assert.True(t, d.ctx.IsPending(lorawan.CIDRekey))

	d.processCommands(cmdBytes(t, lorawan.CIDRekey, lorawan.RekeyConf{Version: 1}))
	assert.False(t, d.ctx.IsPending(lorawan.CIDRekey))
}

func TestProcessCommandsRejoinParamSetupAnswersTimeNotOK(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDRejoinParamSetup, lorawan.RejoinParamSetupReq{
		MaxTimeN:  5,
		MaxCountN: 3,
	}))

	assert.True(t, d.ctx.IsPending(lorawan.CIDRejoinParamSetup))
	assert.False(t, d.ctx.RejoinParamAns.TimeOK)
}

func TestProcessCommandsTXParamSetupAUOnly(t *testing.T) {
	eu := joinedDevice(t, band.EU868)
	eu.processCommands(cmdBytes(t, lorawan.CIDTXParamSetup, lorawan.TXParamSetupReq{MaxEIRP: 5}))
	assert.False(t, eu.ctx.IsPending(lorawan.CIDTXParamSetup))

	au := joinedDevice(t, band.AU915)
	au.processCommands(cmdBytes(t, lorawan.CIDTXParamSetup, lorawan.TXParamSetupReq{
		UplinkDwellTime: true,
		MaxEIRP:         5,
	}))
	assert.True(t, au.ctx.IsPending(lorawan.CIDTXParamSetup))
	assert.Equal(t, uint8(0x15), au.ctx.TXParamSetup)
}

func TestProcessCommandsLinkADRApplies(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDLinkADR, lorawan.LinkADRReq{
		DataRate:   4,
		TXPower:    2,
		ChMask:     0x0007,
		Redundancy: lorawan.Redundancy{ChMaskCntl: 0, NbTrans: 3},
	}))

	require.True(t, d.ctx.IsPending(lorawan.CIDLinkADR))
	assert.True(t, d.ctx.LinkADRAns.DataRateAck)
	assert.True(t, d.ctx.LinkADRAns.TXPowerAck)
	assert.True(t, d.ctx.LinkADRAns.ChMaskAck)
	assert.Equal(t, uint8(4), d.ctx.Rate)
	assert.Equal(t, uint8(2), d.ctx.Power)
	assert.Equal(t, uint8(3), d.ctx.NbTrans)
	assert.False(t, d.ctx.IsMasked(0))
	assert.True(t, d.ctx.IsMasked(3))
}

func TestProcessCommandsLinkADRRollsBackOnBadPower(t *testing.T) {
	d := joinedDevice(t, band.EU868)
	rate := d.ctx.Rate
	power := d.ctx.Power

	d.processCommands(cmdBytes(t, lorawan.CIDLinkADR, lorawan.LinkADRReq{
		DataRate:   4,
		TXPower:    12, // invalid for EU868
		ChMask:     0x0007,
		Redundancy: lorawan.Redundancy{ChMaskCntl: 0},
	}))

	require.True(t, d.ctx.IsPending(lorawan.CIDLinkADR))
	assert.False(t, d.ctx.LinkADRAns.TXPowerAck)
	assert.Equal(t, rate, d.ctx.Rate, "rolled back")
	assert.Equal(t, power, d.ctx.Power, "rolled back")
	assert.False(t, d.ctx.IsMasked(0), "mask rolled back")
}

func TestProcessCommandsLinkADRRejectsMaskingEverything(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.processCommands(cmdBytes(t, lorawan.CIDLinkADR, lorawan.LinkADRReq{
		DataRate:   0x0f,
		TXPower:    0x0f,
		ChMask:     0x0000,
		Redundancy: lorawan.Redundancy{ChMaskCntl: 0},
	}))

	assert.False(t, d.ctx.LinkADRAns.ChMaskAck)
	assert.False(t, d.ctx.IsMasked(0), "mask rolled back")
}

func TestProcessCommandsLinkADRContiguousBlocks(t *testing.T) {
	d := joinedDevice(t, band.US915)

	// two contiguous blocks: enable channels 0-15 and 16-31, final
	// block carries the effective rate
	block1 := cmdBytes(t, lorawan.CIDLinkADR, lorawan.LinkADRReq{
		DataRate:   0x0f,
		TXPower:    0x0f,
		ChMask:     0xffff,
		Redundancy: lorawan.Redundancy{ChMaskCntl: 0},
	})
	block2 := cmdBytes(t, lorawan.CIDLinkADR, lorawan.LinkADRReq{
		DataRate:   2,
		TXPower:    0x0f,
		ChMask:     0xffff,
		Redundancy: lorawan.Redundancy{ChMaskCntl: 1},
	})

	d.processCommands(append(block1, block2...))

	require.True(t, d.ctx.IsPending(lorawan.CIDLinkADR))
	assert.Equal(t, uint8(2), d.ctx.Rate)
	assert.False(t, d.ctx.IsMasked(0))
	assert.False(t, d.ctx.IsMasked(31))
}

func TestProcessCommandsDeviceTime(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()
	d := h.dev

	d.ticksAtTX = d.now()
	d.processCommands(cmdBytes(t, lorawan.CIDDeviceTime, lorawan.DeviceTimeAns{
		Seconds:    1000,
		FracSecond: 128,
	}))

	found := false
	for _, ev := range h.handler.events {
		if e, is := ev.(EventDeviceTime); is {
			found = true
			assert.Equal(t, uint32(1000), e.Seconds)
			assert.Equal(t, uint8(128), e.Fractions)
		}
	}
	assert.True(t, found)
}

func TestSerializePendingCommandsStickyVsSingleShot(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	d.ctx.SetPendingCmd(lorawan.CIDRXParamSetup) // sticky
	d.ctx.SetPendingCmd(lorawan.CIDDevStatus)    // single shot

	out := d.serializePendingCommands()
	assert.Equal(t, 5, len(out)) // 2 + 3 bytes

	assert.True(t, d.ctx.IsPending(lorawan.CIDRXParamSetup), "sticky answers stay pending")
	assert.False(t, d.ctx.IsPending(lorawan.CIDDevStatus), "single-shot answers clear on enqueue")

	// the sticky answer repeats on the next serialization
	out = d.serializePendingCommands()
	assert.Equal(t, 2, len(out))
}

func TestSerializePendingCommandsPiggybacks(t *testing.T) {
	d := joinedDevice(t, band.EU868)
	d.opts = DataOpts{Check: true, GetTime: true}

	out := d.serializePendingCommands()
	assert.Equal(t, []byte{byte(lorawan.CIDLinkCheck), byte(lorawan.CIDDeviceTime)}, out)
}

func TestProcessCommandsTruncatedStreamStops(t *testing.T) {
	d := joinedDevice(t, band.EU868)

	// LinkADRReq needs 4 payload bytes; provide 1
	d.processCommands([]byte{byte(lorawan.CIDLinkADR), 0x40})
	assert.False(t, d.ctx.IsPending(lorawan.CIDLinkADR))
}
