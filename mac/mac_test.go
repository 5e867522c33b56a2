package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/sm"
)

func TestNewValidatesTPS(t *testing.T) {
	clock := &testClock{}
	rdo := newTestRadio(clock, nil)
	module := sm.NewDefault([16]byte{}, [16]byte{})

	_, err := New(band.EU868, rdo, module, nil, clock, Config{TPS: 999})
	assert.Error(t, err)

	_, err = New(band.EU868, rdo, module, nil, clock, Config{TPS: 1000001})
	assert.Error(t, err)

	_, err = New(band.EU868, rdo, module, nil, clock, Config{TPS: testTPS})
	assert.NoError(t, err)
}

func TestNewInstallsRegionalDefaults(t *testing.T) {
	h := newHarness(t, band.EU868)
	s := h.dev.Session()

	assert.Equal(t, band.EU868, s.Region)
	assert.Equal(t, uint8(1), s.RX1Delay)
	assert.Equal(t, uint32(869525000), s.RX2Freq)
	assert.Equal(t, uint16(64), s.ADRAckLimit)
	assert.Equal(t, uint16(32), s.ADRAckDelay)
	assert.True(t, s.ADREnabled)

	ch, err := s.GetChannel(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(868100000), ch.Frequency)
	assert.False(t, s.IsMasked(0))
	assert.False(t, s.IsMasked(2))
}

func TestNewRestoresMatchingSnapshot(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	sess := h.dev.Session()
	snapshot, err := sess.MarshalBinary()
	require.NoError(t, err)

	clock := &testClock{}
	rdo := newTestRadio(clock, nil)
	dev, err := New(band.EU868, rdo, sm.NewDefault([16]byte{}, [16]byte{}), nil, clock, Config{
		TPS:     testTPS,
		DevEUI:  testDevEUI,
		JoinEUI: testJoinEUI,
		Session: snapshot,
	})
	require.NoError(t, err)

	assert.True(t, dev.Joined())
	assert.Equal(t, h.dev.Session().DevAddr, dev.Session().DevAddr)
	assert.Equal(t, h.dev.Session().FCntUp, dev.Session().FCntUp)
}

func TestNewRejectsForeignSnapshot(t *testing.T) {
	h := newHarness(t, band.US915)
	sess := h.dev.Session()
	snapshot, err := sess.MarshalBinary()
	require.NoError(t, err)

	clock := &testClock{}
	rdo := newTestRadio(clock, nil)
	dev, err := New(band.EU868, rdo, sm.NewDefault([16]byte{}, [16]byte{}), nil, clock, Config{
		TPS:     testTPS,
		Session: snapshot,
	})
	require.NoError(t, err)
	assert.Equal(t, band.EU868, dev.Session().Region, "mismatched snapshot must be discarded")
}

func TestDataServiceErrors(t *testing.T) {
	h := newHarness(t, band.EU868)

	assert.ErrorIs(t, h.dev.UnconfirmedData(1, []byte{1}, nil), ErrNotJoined)

	h.join()

	assert.ErrorIs(t, h.dev.UnconfirmedData(0, []byte{1}, nil), ErrPort)
	assert.ErrorIs(t, h.dev.UnconfirmedData(224, []byte{1}, nil), ErrPort)

	require.NoError(t, h.dev.UnconfirmedData(1, []byte{1}, nil))
	assert.ErrorIs(t, h.dev.UnconfirmedData(1, []byte{1}, nil), ErrBusy)
}

func TestOTAAErrors(t *testing.T) {
	h := newHarness(t, band.EU868)

	require.NoError(t, h.dev.OTAA())
	assert.ErrorIs(t, h.dev.OTAA(), ErrBusy)

	h.run(500, func() bool { return h.dev.Joined() && h.dev.Op() == OpNone })
	assert.ErrorIs(t, h.dev.OTAA(), ErrJoined)
}

func TestOTAADevNonceExhaustion(t *testing.T) {
	clock := &testClock{}
	rdo := newTestRadio(clock, nil)
	dev, err := New(band.EU868, rdo, sm.NewDefault([16]byte{}, [16]byte{}), &testHandler{}, clock, Config{
		TPS:      testTPS,
		DevEUI:   testDevEUI,
		JoinEUI:  testJoinEUI,
		DevNonce: 0xffff,
	})
	require.NoError(t, err)

	// the final nonce is usable once
	require.NoError(t, dev.OTAA())
	assert.Equal(t, lorawan.DevNonce(0xffff), dev.Session().DevNonce)

	dev.Cancel()
	assert.ErrorIs(t, dev.OTAA(), ErrDevNonce)
}

func TestCancelEmitsExactlyOneEvent(t *testing.T) {
	h := newHarness(t, band.EU868)

	require.NoError(t, h.dev.OTAA())
	h.dev.Cancel()
	h.dev.Cancel() // idempotent: no second event

	n := h.handler.count(func(ev Event) bool { _, is := ev.(EventOpCancelled); return is })
	assert.Equal(t, 1, n)
	assert.Equal(t, OpNone, h.dev.Op())
}

func TestForgetRestoresRegionalDefaults(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	d := h.dev
	require.NoError(t, d.SetRate(3))
	d.ctx.RX1DROffset = 2
	d.ctx.RX1Delay = 9
	d.ctx.RX2Freq = 868300000
	d.ctx.RX2DataRate = 3
	d.ctx.AddChannel(7, 867100000, 0, 5)

	d.Forget()

	s := d.Session()
	assert.False(t, s.Joined)
	assert.Equal(t, uint8(3), s.Rate, "rate is preserved")
	assert.Equal(t, uint8(0), s.RX1DROffset)
	assert.Equal(t, uint8(1), s.RX1Delay)
	assert.Equal(t, uint32(869525000), s.RX2Freq)
	assert.Equal(t, uint8(0), s.RX2DataRate)
	assert.Equal(t, uint16(64), s.ADRAckLimit)

	_, err := s.GetChannel(7)
	assert.Error(t, err, "extra channel gone after forget")
	ch, err := s.GetChannel(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(868100000), ch.Frequency)
}

func TestSetRateAndPowerValidation(t *testing.T) {
	h := newHarness(t, band.EU868)

	assert.NoError(t, h.dev.SetRate(5))
	assert.ErrorIs(t, h.dev.SetRate(9), ErrRate)

	assert.NoError(t, h.dev.SetPower(7))
	assert.ErrorIs(t, h.dev.SetPower(8), ErrPower)
}

func TestTicksUntilNextEventZeroOnPendingInput(t *testing.T) {
	h := newHarness(t, band.EU868)
	require.NoError(t, h.dev.OTAA())
	h.run(100, func() bool { return h.dev.State() == StateTX })

	h.dev.RadioEvent(h.clock.ticks)
	assert.Equal(t, uint32(0), h.dev.TicksUntilNextEvent())
}

func TestMTUAccountsForPendingCommands(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()
	require.NoError(t, h.dev.SetRate(5))

	base := h.dev.MTU()
	assert.Equal(t, 230-8, base)

	h.dev.ctx.SetPendingCmd(lorawan.CIDDevStatus) // 3 bytes on the air
	assert.Equal(t, base-3, h.dev.MTU())
}

func TestEntropyRoundTrip(t *testing.T) {
	h := newHarness(t, band.EU868)

	// let the radio boot first
	h.run(50, func() bool { return h.dev.State() == StateIdle })

	require.NoError(t, h.dev.Entropy())
	ok := h.run(100, func() bool {
		return h.handler.has(func(ev Event) bool { _, is := ev.(EventEntropy); return is })
	})
	require.True(t, ok)

	for _, ev := range h.handler.events {
		if e, is := ev.(EventEntropy); is {
			assert.Equal(t, uint32(0xcafe), e.Value)
		}
	}
	assert.Equal(t, OpNone, h.dev.Op())
}

func TestABP(t *testing.T) {
	h := newHarness(t, band.EU868)

	require.NoError(t, h.dev.ABP(0x01020304))
	assert.True(t, h.dev.Joined())
	assert.Equal(t, lorawan.DevAddr(0x01020304), h.dev.Session().DevAddr)
	assert.ErrorIs(t, h.dev.ABP(0x01020304), ErrJoined)
}

func TestFCntUpMonotone(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	for i := uint32(0); i < 3; i++ {
		assert.Equal(t, i, h.dev.Session().FCntUp)
		require.NoError(t, h.dev.UnconfirmedData(1, []byte{byte(i)}, nil))
		ok := h.run(500, func() bool { return h.dev.Op() == OpNone })
		require.True(t, ok)

		// wait out the sub-band off time before the next attempt
		h.clock.ticks += 60 * testTPS
		h.dev.Process()
	}
	assert.Equal(t, uint32(3), h.dev.Session().FCntUp)
}
