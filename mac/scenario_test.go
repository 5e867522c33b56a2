package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/lorawan"
)

// Join EU868: the canonical OTAA exchange, checking the event order
// the application observes.
func TestScenarioJoinEU868(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	var order []string
	for _, ev := range h.handler.events {
		switch e := ev.(type) {
		case EventDevNonceUpdated:
			assert.Equal(t, uint32(1), e.NextDevNonce)
			order = append(order, "devNonceUpdated")
		case EventJoinComplete:
			assert.Equal(t, lorawan.DevAddr(0x26011bda), e.DevAddr)
			assert.Equal(t, lorawan.NetID(0x000013), e.NetID)
			order = append(order, "joinComplete")
		case EventSessionUpdated:
			order = append(order, "sessionUpdated")
		}
	}
	assert.Equal(t, []string{"devNonceUpdated", "joinComplete", "sessionUpdated"}, order)

	s := h.dev.Session()
	assert.True(t, s.Joined)
	assert.Equal(t, uint8(1), s.RX1Delay)
	assert.Equal(t, uint8(0), s.RX2DataRate)
	assert.Equal(t, uint16(0), uint16(s.DevNonce))
}

// Unconfirmed uplink that cannot fit at the current rate.
func TestScenarioUplinkMTUOverflow(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	err := h.dev.UnconfirmedData(1, make([]byte, 250), nil)
	assert.ErrorIs(t, err, ErrSize)
}

// MAC priority: pending answers exceeding the FOpts capacity displace
// the user data into exactly one unconfirmed port-0 frame.
func TestScenarioMACPriority(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()
	h.srv.answerJoins = false
	txBefore := len(h.radio.transmitted)

	// stage answers totalling more than 15 bytes
	h.dev.ctx.SetPendingCmd(lorawan.CIDLinkADR)      // 2
	h.dev.ctx.SetPendingCmd(lorawan.CIDDevStatus)    // 3
	h.dev.ctx.SetPendingCmd(lorawan.CIDNewChannel)   // 2
	h.dev.ctx.SetPendingCmd(lorawan.CIDRXParamSetup) // 2
	h.dev.ctx.SetPendingCmd(lorawan.CIDDLChannel)    // 2
	h.dev.ctx.SetPendingCmd(lorawan.CIDRXTimingSetup) // 1
	h.dev.ctx.SetPendingCmd(lorawan.CIDDutyCycle)     // 1
	h.dev.ctx.SetPendingCmd(lorawan.CIDRejoinParamSetup) // 2
	h.dev.ctx.SetPendingCmd(lorawan.CIDADRParamSetup)    // 1

	err := h.dev.UnconfirmedData(1, make([]byte, 50), nil)
	require.ErrorIs(t, err, ErrMACPriority)

	ok := h.run(500, func() bool { return h.dev.Op() == OpNone })
	require.True(t, ok)

	require.Equal(t, txBefore+1, len(h.radio.transmitted), "exactly one frame on the air")
	f, err := lorawan.Decode(h.radio.transmitted[txBefore])
	require.NoError(t, err)
	assert.Equal(t, lorawan.MTypeUnconfirmedDataUp, f.MHDR.MType())
	require.NotNil(t, f.FPort)
	assert.Equal(t, uint8(0), *f.FPort)
	assert.Equal(t, 16, len(f.FRMPayload), "only the MAC answers travel")
	assert.Empty(t, f.FOpts)
}

// Duty-cycle lockout: an EU868 transmission locks its whole sub-band
// for airtime times the off-time factor.
func TestScenarioDutyCycleLockout(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()
	h.srv.answerJoins = false
	require.NoError(t, h.dev.SetRate(0))

	require.NoError(t, h.dev.UnconfirmedData(1, []byte{1, 2, 3}, nil))
	ok := h.run(500, func() bool { return h.dev.Op() == OpNone })
	require.True(t, ok)

	// all three EU868 default channels share sub-band 1, so the
	// immediate retransmit has nowhere to go
	err := h.dev.UnconfirmedData(1, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrNoChannel)

	airtime := h.dev.airtimeMS(0, len(h.radio.transmitted[len(h.radio.transmitted)-1]), true)
	assert.GreaterOrEqual(t, h.dev.timeUntilNextChannel(), msToTime(airtime*99))
}

// Confirmed uplink acknowledged in RX1.
func TestScenarioConfirmedDataAck(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	require.NoError(t, h.dev.ConfirmedData(1, []byte{0xaa}, nil))
	ok := h.run(500, func() bool {
		return h.handler.has(func(ev Event) bool { _, is := ev.(EventDataComplete); return is })
	})
	assert.True(t, ok, "confirmed uplink was not acknowledged")
	assert.Equal(t, uint32(1), h.dev.Session().FCntUp)
}

// Confirmed uplink with a silent network times out after nbTrans
// trials, doubling the back-off between them.
func TestScenarioConfirmedDataTimeout(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()
	h.srv.ackConfirmed = false

	require.NoError(t, h.dev.ConfirmedData(1, []byte{0xaa}, &DataOpts{NbTrans: 2}))
	ok := h.run(2000, func() bool {
		return h.handler.has(func(ev Event) bool { _, is := ev.(EventDataTimeout); return is })
	})
	assert.True(t, ok, "timeout not reported")
	assert.Equal(t, 2, countDataFrames(h.radio.transmitted), "retried once")
}

func countDataFrames(frames [][]byte) int {
	n := 0
	for _, raw := range frames {
		f, err := lorawan.Decode(raw)
		if err != nil {
			continue
		}
		switch f.MHDR.MType() {
		case lorawan.MTypeConfirmedDataUp, lorawan.MTypeUnconfirmedDataUp:
			n++
		}
	}
	return n
}

// Downlink application payload is decrypted and surfaced.
func TestScenarioDownlinkPayload(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	h.srv.queue = append(h.srv.queue, h.srv.dataDownOpts(nil, []byte{0x10, 0x20}, false))

	require.NoError(t, h.dev.UnconfirmedData(1, []byte{0xaa}, nil))
	ok := h.run(500, func() bool {
		return h.handler.has(func(ev Event) bool { _, is := ev.(EventRx); return is })
	})
	require.True(t, ok)

	for _, ev := range h.handler.events {
		if rx, is := ev.(EventRx); is {
			assert.Equal(t, uint8(1), rx.Port)
			assert.Equal(t, []byte{0x10, 0x20}, rx.Data)
		}
	}
}

// A LinkCheckAns piggybacked in FOpts surfaces as a link status event.
func TestScenarioLinkCheck(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	ans, _ := lorawan.LinkCheckAns{Margin: 20, GwCount: 3}.MarshalBinary()
	fopts := append([]byte{byte(lorawan.CIDLinkCheck)}, ans...)
	h.srv.queue = append(h.srv.queue, h.srv.dataDownOpts(fopts, nil, false))

	require.NoError(t, h.dev.UnconfirmedData(1, []byte{0xaa}, &DataOpts{Check: true}))
	ok := h.run(500, func() bool {
		return h.handler.has(func(ev Event) bool { _, is := ev.(EventLinkStatus); return is })
	})
	require.True(t, ok)

	for _, ev := range h.handler.events {
		if ls, is := ev.(EventLinkStatus); is {
			assert.Equal(t, uint8(20), ls.Margin)
			assert.Equal(t, uint8(3), ls.GwCount)
		}
	}
}

// ADR backoff ladder: ADRACKReq past the limit, then power, rate and
// finally the channel mask give way on each further delay interval.
func TestScenarioADRBackoff(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	d := h.dev
	d.ctx.Rate = 5
	d.ctx.Power = 0
	d.ctx.ADRAckLimit = 64
	d.ctx.ADRAckDelay = 32

	for i := 0; i < 64; i++ {
		d.adaptRate()
		assert.False(t, d.adrAckReq, "no request before the limit (uplink %d)", i)
	}

	d.adaptRate() // the 65th uplink
	assert.True(t, d.adrAckReq)
	assert.Equal(t, uint8(5), d.ctx.Rate)

	// power is already 0, so the first expired delay cycle reduces the
	// rate; the call entered with the counter exactly at limit+delay
	for d.adrAckCounter <= 64+32 {
		d.adaptRate()
	}
	assert.Equal(t, uint8(4), d.ctx.Rate)

	for d.adrAckCounter <= 64+2*32 {
		d.adaptRate()
	}
	assert.Equal(t, uint8(3), d.ctx.Rate)
}

// The full ladder down to the unmask-all step, with short ADR windows
// so every rung fits before the counter saturates.
func TestScenarioADRBackoffFullLadder(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	d := h.dev
	d.ctx.Rate = 2
	d.ctx.Power = 0
	d.ctx.ADRAckLimit = 4
	d.ctx.ADRAckDelay = 2

	// mask a channel so the final step's unmask-all is observable
	d.ctx.MaskChannel(2)

	for i := 0; i < 16; i++ {
		d.adaptRate()
	}

	// steps at 6 and 8 walk DR2 down to DR0; the step at 10 clears the
	// mask and saturates the counter
	assert.Equal(t, uint8(0), d.ctx.Rate)
	assert.Equal(t, uint16(0xff), d.adrAckCounter)
	for i := 0; i < 16; i++ {
		assert.False(t, d.ctx.IsMasked(i), "channel %d must be unmasked", i)
	}
}

// A reduced TX power steps back to full power before the rate drops.
func TestScenarioADRBackoffShedsPowerFirst(t *testing.T) {
	h := newHarness(t, band.EU868)
	h.join()

	d := h.dev
	d.ctx.Rate = 5
	d.ctx.Power = 3
	d.ctx.ADRAckLimit = 4
	d.ctx.ADRAckDelay = 2

	for d.adrAckCounter < 4+2 {
		d.adaptRate()
	}
	d.adaptRate()
	assert.Equal(t, uint8(0), d.ctx.Power, "power restored first")
	assert.Equal(t, uint8(5), d.ctx.Rate, "rate untouched so far")
}
