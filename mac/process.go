package mac

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ellenhale/lorawan-mac/airtime"
	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/duty"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/ops"
	"github.com/ellenhale/lorawan-mac/radio"
	"github.com/ellenhale/lorawan-mac/timer"
)

// stateMachineEvent is what woke the scheduler on this Process step.
type stateMachineEvent int

const (
	smeNone stateMachineEvent = iota
	smeInterrupt
	smeTimerA
	smeTimerB
	smeBand
)

// Process is the single entry point that advances the state machine.
// It never blocks; the host calls it whenever TicksUntilNextEvent
// elapses or a radio interrupt has been signalled.
func (d *Device) Process() {
	now := d.now()
	channelReady := d.processBands(now)

	var event stateMachineEvent
	var lag uint32

	if l, fired := d.bus.InputCheck(now); fired {
		event, lag = smeInterrupt, l
	} else if l, fired := d.bus.Check(now, timer.WaitA); fired {
		event, lag = smeTimerA, l
	} else if l, fired := d.bus.Check(now, timer.WaitB); fired {
		event, lag = smeTimerB, l
	} else if channelReady {
		event = smeBand
	}

	if event != smeNone {
		switch d.state {
		case StateInit:
			d.processInit()
		case StateRadioReset:
			d.processRadioReset(event)
		case StateRadioBoot:
			d.processRadioBoot(event)
		case StateWaitEntropy, StateWaitTX, StateWaitRX1, StateWaitRX2:
			d.processWait(event, lag)
		case StateStartRadioForEntropy:
			d.processStartRadioForEntropy(event)
		case StateEntropy:
			d.processEntropy(event)
		case StateWaitOTAA:
			d.processWaitOTAA()
		case StateStartRadioForTX:
			d.processStartRadioForTX(event)
		case StateTX:
			d.processTX(event, lag)
		case StateStartRadioForRX1:
			d.processStartRadioForRX(event, smeTimerA, StateRX1, d.rx1Setting)
		case StateStartRadioForRX2:
			d.processStartRadioForRX(event, smeTimerB, StateRX2, d.rx2Setting)
		case StateRX1, StateRX2:
			d.processRX(event)
		case StateRX2Lockout:
			if event == smeTimerA {
				d.downlinkMissingHandler()
			}
		default:
			// idle: nothing to do
		}
	}

	d.setNextBandEvent(now)
}

func (d *Device) processInit() {
	d.state = StateRadioReset
	d.rdo.SetMode(radio.ModeReset)

	// hold RESET for >100us
	d.bus.Set(timer.WaitA, d.now(), d.cfg.TPS/1024)
}

func (d *Device) processRadioReset(event stateMachineEvent) {
	if event != smeTimerA {
		return
	}
	d.state = StateRadioBoot
	d.rdo.SetMode(radio.ModeBoot)

	// >5ms to start up
	d.bus.Set(timer.WaitA, d.now(), d.cfg.TPS/128)
}

func (d *Device) processRadioBoot(event stateMachineEvent) {
	if event != smeTimerA {
		return
	}
	d.rdo.SetMode(radio.ModeSleep)

	switch d.op {
	case OpEntropy:
		d.state = StateWaitEntropy
		d.bus.Set(timer.WaitA, d.now(), 0)
	case OpJoining:
		d.state = StateWaitOTAA
		d.bus.Set(timer.WaitA, d.now(), 0)
	case OpDataConfirmed, OpDataUnconfirmed:
		d.state = StateWaitTX
		d.bus.Set(timer.WaitA, d.now(), 0)
	default:
		d.state = StateIdle
	}
}

func (d *Device) processWaitOTAA() {
	if d.acct.Counter(duty.Global) != 0 {
		return
	}

	window := d.cfg.OTAADither
	if window == 0 {
		window = defaultOTAADither
	}
	delay := d.rand() % (d.cfg.TPS * window)

	d.log.WithField("delay", delay).Debug("otaa dither")

	d.bus.Set(timer.WaitA, d.now(), delay)
	d.state = StateWaitTX
}

// processWait bridges a Wait* state into the matching StartRadioFor*
// state, waking the radio early enough to cover its crystal settle
// time.
func (d *Device) processWait(event stateMachineEvent, lag uint32) {
	if event != smeTimerA && event != smeTimerB {
		return
	}

	var id timer.ID
	switch d.state {
	case StateWaitRX1:
		d.state = StateStartRadioForRX1
		d.rdo.SetMode(radio.ModeRx)
		id = timer.WaitA
	case StateWaitRX2:
		d.state = StateStartRadioForRX2
		d.rdo.SetMode(radio.ModeRx)
		id = timer.WaitB
	case StateWaitEntropy:
		d.state = StateStartRadioForEntropy
		d.rdo.SetMode(radio.ModeRx)
		id = timer.WaitA
	default:
		d.state = StateStartRadioForTX
		d.rdo.SetMode(radio.ModeTxBoost)
		id = timer.WaitA
	}

	delay := d.msToTicks(d.rdo.XtalDelay())
	if lag > delay {
		delay = 0
	} else {
		delay -= lag
	}
	d.bus.Append(id, d.now(), delay)
}

func (d *Device) processStartRadioForEntropy(event stateMachineEvent) {
	if event != smeTimerA {
		return
	}
	d.rdo.ReceiveEntropy()
	d.state = StateEntropy

	// ~1ms of wideband noise sampling
	d.bus.Set(timer.WaitA, d.now(), d.cfg.TPS/1024)
}

func (d *Device) processEntropy(event stateMachineEvent) {
	if event != smeTimerA {
		return
	}
	value, err := d.rdo.ReadEntropy()
	d.rdo.SetMode(radio.ModeSleep)

	d.state = StateIdle
	d.op = OpNone

	if err != nil {
		d.handler.HandleEvent(EventOpError{})
		return
	}
	d.handler.HandleEvent(EventEntropy{Value: value})
}

func (d *Device) processStartRadioForTX(event stateMachineEvent) {
	if event != smeTimerA {
		return
	}

	ms := d.airtimeMS(d.tx.rate, d.bufferLen, true)
	d.tx.airTime = msToTime(ms)

	// arm the latch before handing the frame over so an immediate
	// TX-complete interrupt cannot be lost
	d.bus.InputArm()

	d.rdo.Transmit(radio.TxSetting{
		Freq:  d.tx.freq,
		Rate:  d.tx.rate,
		Power: d.tx.power,
	}, d.buffer[:d.bufferLen])

	d.state = StateTX

	// reset the radio if the TX-complete interrupt doesn't appear
	// within double the expected airtime
	d.bus.Set(timer.WaitA, d.now(), d.msToTicks(ms)<<1)

	d.log.WithFields(logrus.Fields{
		"freq": d.tx.freq,
		"rate": d.tx.rate,
		"size": d.bufferLen,
	}).Info("tx begin")
}

func (d *Device) processTX(event stateMachineEvent, lag uint32) {
	var status radio.Status
	if event == smeInterrupt {
		status, _ = d.rdo.GetStatus()
	}

	if event == smeInterrupt || event == smeTimerA {
		d.registerTime()
	}

	switch {
	case event == smeTimerA:
		d.log.Error("tx interrupt fault")
		d.handleRadioError()

	case event == smeInterrupt && !status.TX:
		d.log.Error("unexpected radio status in tx")
		d.handleRadioError()

	case event == smeInterrupt && status.TX:
		d.pendingACK = false

		waitSeconds := uint32(d.ctx.RX1Delay)
		if d.op == OpJoining {
			waitSeconds = joinAcceptDelay1
		}
		waitTicks := waitSeconds * d.cfg.TPS

		d.ticksAtTX = d.now() - lag

		advance := d.cfg.Advance + lag + d.msToTicks(d.rdo.XtalDelay())

		xtalError := waitSeconds*d.cfg.A*2 + d.cfg.B

		// RX1 geometry
		rx1Rate, _ := d.bnd.GetRX1Rate(d.tx.rate, d.ctx.RX1DROffset)
		sp := d.symbolPeriod(rx1Rate)
		extra := extraSymbols(xtalError, sp)
		if extra < 3 {
			extra = 3
		}
		d.rx1Symbols = 5 + uint16(extra)
		advanceA := advance + (extra*sp)/2

		// RX2 geometry
		xtalError += d.cfg.A * 2
		sp = d.symbolPeriod(d.ctx.RX2DataRate)
		extra = extraSymbols(xtalError, sp)
		if extra < 3 {
			extra = 3
		}
		d.rx2Symbols = 5 + uint16(extra)
		advanceB := advance + (extra*sp)/2

		if advanceB <= waitTicks+d.cfg.TPS {
			d.bus.Set(timer.WaitB, d.now(), waitTicks+d.cfg.TPS-advanceB)
			if advanceA <= waitTicks {
				d.bus.Set(timer.WaitA, d.now(), waitTicks-advanceA)
				d.state = StateWaitRX1
			} else {
				// the RX1 back-off already lies in the past: skip RX1
				d.bus.Disarm(timer.WaitA)
				d.state = StateWaitRX2
			}
		} else {
			d.bus.Disarm(timer.WaitA)
			d.bus.Set(timer.WaitB, d.now(), 0)
			d.state = StateWaitRX2
		}

		d.rdo.SetMode(radio.ModeHold)
		d.log.Info("tx complete")
	}
}

func (d *Device) rx1Setting() radio.RxSetting {
	rate, _ := d.bnd.GetRX1Rate(d.tx.rate, d.ctx.RX1DROffset)
	return radio.RxSetting{
		Freq:           d.bnd.GetRX1Freq(d.tx.freq, d.tx.chIndex),
		Rate:           rate,
		TimeoutSymbols: d.rx1Symbols,
	}
}

func (d *Device) rx2Setting() radio.RxSetting {
	return radio.RxSetting{
		Freq:           d.ctx.RX2Freq,
		Rate:           d.ctx.RX2DataRate,
		TimeoutSymbols: d.rx2Symbols,
	}
}

func (d *Device) processStartRadioForRX(event, want stateMachineEvent, next State, setting func() radio.RxSetting) {
	if event != want {
		return
	}

	d.state = next
	d.bus.InputArm()
	d.rdo.Receive(setting())

	// guard against a radio that never reports the window's end
	d.bus.Set(timer.WaitA, d.now(), (d.cfg.TPS+d.cfg.A)*4)

	d.log.WithField("state", next).Info("rx slot")
}

func (d *Device) processRX(event stateMachineEvent) {
	var status radio.Status
	if event == smeInterrupt {
		status, _ = d.rdo.GetStatus()
	}

	switch {
	case event == smeTimerA:
		d.log.Error("rx interrupt fault")
		d.handleRadioError()

	case event == smeInterrupt && !status.RX && !status.Timeout:
		d.log.Error("unexpected radio status in rx")
		d.handleRadioError()

	case event == smeInterrupt && status.RX:
		d.bus.Disarm(timer.WaitA)
		d.bus.Disarm(timer.WaitB)

		var meta radio.Meta
		n, err := d.rdo.ReadBuffer(&meta, d.rxBuf[:])
		d.rdo.SetMode(radio.ModeSleep)
		if err != nil {
			d.handleRadioError()
			return
		}

		d.rxSNR = meta.SNR

		d.log.WithFields(logrus.Fields{
			"rssi": meta.RSSI,
			"snr":  meta.SNR,
			"size": n,
		}).Debug("downlink")

		frame, err := d.ops.ReceiveFrame(d.rxBuf[:n], &d.ctx, ops.RxParams{
			Joining:   d.op == OpJoining,
			Rejoining: d.op == OpRejoining,
			AcceptData: d.op == OpDataUnconfirmed || d.op == OpDataConfirmed ||
				(d.ctx.Version > 0 && d.op == OpRejoining),
			JoinEUI: d.cfg.JoinEUI,
		})
		if err != nil {
			// a frame that fails MIC, DevAddr or decoder invariants is
			// treated as a missed downlink
			d.log.WithError(err).Debug("downlink discarded")
			d.downlinkMissingHandler()
			return
		}

		switch frame.MHDR.MType() {
		case lorawan.MTypeJoinAccept:
			d.handleJoinAccept(frame)
		default:
			d.handleDataDown(frame)
		}
		d.pushSessionUpdate()

	case event == smeInterrupt && status.Timeout:
		if d.state == StateRX2 {
			d.rdo.SetMode(radio.ModeSleep)
			d.bus.Disarm(timer.WaitB)

			// ignore any further late downlink for as long as a
			// worst-case frame at the current TX rate would stay on the
			// air
			dr, err := d.bnd.ConvertRate(d.tx.rate)
			mtu := maxPacket
			if err == nil {
				mtu = dr.MaxMACPayload
			}
			ms := d.airtimeMS(d.tx.rate, mtu, false)
			d.bus.Set(timer.WaitA, d.now(), d.msToTicks(ms))
			d.state = StateRX2Lockout
		} else {
			d.rdo.SetMode(radio.ModeHold)
			d.bus.Disarm(timer.WaitA)
			d.state = StateWaitRX2
		}
	}
}

func (d *Device) handleJoinAccept(f *lorawan.Frame) {
	d.ctx.Joined = true

	// keep the joining rate when ADR is on
	if d.ctx.ADREnabled {
		d.ctx.Rate = d.bnd.GetJoinRate(d.trials)
	}

	d.ctx.RX1DROffset = f.DLSettings.RX1DROffset
	d.ctx.RX2DataRate = f.DLSettings.RX2DataRate
	d.ctx.RX1Delay = f.RXDelay

	if f.CFList != nil {
		if !d.bnd.IsDynamic() && f.CFList.Type == lorawan.CFListChannelMasks {
			// a mask-shaped CFList replaces the whole fixed plan
			for i := 0; i < d.bnd.NumChannels(); i++ {
				d.ctx.MaskChannel(i)
			}
		}
		if err := d.bnd.ProcessCFList(f.CFList, d.addChannel); err != nil {
			d.log.WithError(err).Warn("cflist rejected")
		}
	}

	d.ctx.DevAddr = f.DevAddr
	d.ctx.NetID = f.NetID
	d.ctx.JoinNonce = f.JoinNonce

	if f.DLSettings.OptNeg {
		d.ctx.Version = 1
		d.ctx.SetPendingCmd(lorawan.CIDRekey)
	} else {
		d.ctx.Version = 0
	}

	if err := d.ops.DeriveKeys(&d.ctx, d.cfg.JoinEUI); err != nil {
		d.log.WithError(err).Error("session key derivation")
	}

	d.joinNonce32 = uint32(f.JoinNonce) + 1

	d.log.WithFields(logrus.Fields{
		"devAddr":   d.ctx.DevAddr,
		"netID":     d.ctx.NetID,
		"joinNonce": uint32(d.ctx.JoinNonce),
	}).Info("join accept")

	d.acct.SetStartupDelay(0)
	d.acct.ResetDay()
	d.state = StateIdle
	d.op = OpNone

	d.handler.HandleEvent(EventJoinComplete{
		JoinNonce: d.joinNonce32,
		NetID:     d.ctx.NetID,
		DevAddr:   d.ctx.DevAddr,
	})
}

func (d *Device) handleDataDown(f *lorawan.Frame) {
	d.fPending = f.FCtrl.FPending()
	d.pendingACK = f.MHDR.MType() == lorawan.MTypeConfirmedDataDown

	var port uint8
	if f.FPort != nil {
		port = *f.FPort
	}
	ops.SyncDownCounter(&d.ctx, port, f.FCnt)

	// a valid downlink completes the round trips of the sticky answers
	d.ctx.ClearPendingCmd(lorawan.CIDRXParamSetup)
	d.ctx.ClearPendingCmd(lorawan.CIDDLChannel)
	d.ctx.ClearPendingCmd(lorawan.CIDRXTimingSetup)

	d.adrAckCounter = 0
	d.adrAckReq = false

	if len(f.FOpts) > 0 {
		d.processCommands(f.FOpts)
	}

	if f.FPort != nil {
		if port == 0 {
			d.processCommands(f.FRMPayload)
		} else {
			d.handler.HandleEvent(EventRx{Port: port, Data: f.FRMPayload})
		}
	}

	switch d.op {
	case OpDataConfirmed:
		if f.FCtrl.ACK() {
			d.handler.HandleEvent(EventDataComplete{})
		} else {
			// a downlink that does not acknowledge a confirmed uplink is
			// handled as a timeout regardless of nbTrans
			d.handler.HandleEvent(EventDataTimeout{})
		}
	case OpRejoining:
		// nothing to report
	default:
		d.handler.HandleEvent(EventDataComplete{})
	}

	d.state = StateIdle
	d.op = OpNone
}

func (d *Device) handleRadioError() {
	d.bus.InputDisarm()
	d.bus.Disarm(timer.WaitA)
	d.bus.Disarm(timer.WaitB)

	if d.op == OpJoining {
		// joining continues once the radio has been reset; set up the
		// next trial rather than surfacing an error
		d.downlinkMissingHandler()
	} else {
		d.op = OpNone
		d.handler.HandleEvent(EventOpError{})
	}

	d.state = StateRadioReset
	d.rdo.SetMode(radio.ModeReset)
	d.bus.Set(timer.WaitA, d.now(), d.cfg.TPS/1024)

	d.log.Warn("radio fault, resetting")
}

// downlinkMissingHandler drives the retry machinery after both receive
// windows came up empty (or the frame in them was discarded).
func (d *Device) downlinkMissingHandler() {
	nbTrans := d.opts.NbTrans
	if nbTrans == 0 {
		nbTrans = d.ctx.NbTrans
		if nbTrans == 0 {
			nbTrans = 1
		}
	}

	d.trials++

	switch d.op {
	case OpDataUnconfirmed, OpDataConfirmed:
		offLimit := d.bnd.MaxDutyCycleOffLimit()
		globalOK := d.acct.Counter(duty.Global) < offLimit || offLimit == 0
		var tx txDesc
		channelOK := d.selectChannel(d.tx.rate, offLimit, &tx)

		if d.trials < int(nbTrans) && globalOK && channelOK {
			d.tx.freq = tx.freq
			d.tx.chIndex = tx.chIndex
			d.tx.rate = tx.rate

			// 1.1 binds the channel index and rate into the MIC, so a
			// retry on a different channel has to re-MIC
			if err := d.ops.MICDataFrame(d.buffer[:d.bufferLen], &d.ctx, d.tx.counter, d.tx.rate, uint8(d.tx.chIndex)); err != nil {
				d.log.WithError(err).Error("re-mic")
			}

			if d.op == OpDataConfirmed {
				// double the back-off with each trial
				d.bus.Set(timer.WaitA, d.now(), d.cfg.TPS<<uint(d.trials))
			} else {
				d.bus.Set(timer.WaitA, d.now(), 0)
			}
			d.state = StateWaitTX
			return
		}

		if d.adaptRate() {
			d.pushSessionUpdate()
		}

		if d.op == OpDataConfirmed {
			d.handler.HandleEvent(EventDataTimeout{})
		} else {
			d.handler.HandleEvent(EventDataComplete{})
		}
		d.state = StateIdle
		d.op = OpNone

	case OpJoining:
		if d.devNonce32 <= 0xffff {
			d.fillJoinBuffer(lorawan.DevNonce(d.devNonce32))
			d.devNonce32++
			d.handler.HandleEvent(EventDevNonceUpdated{NextDevNonce: d.devNonce32})

			d.state = StateWaitOTAA
			d.bus.Set(timer.WaitA, d.now(), 0)
		} else {
			d.handler.HandleEvent(EventJoinExhausted{})
			d.state = StateIdle
			d.op = OpNone
		}
	}
}

// adaptRate runs the ADR fallback ladder once per missed-downlink
// exhaustion: request an ack past the limit, then past limit+delay
// shed power, then rate, then unmask everything.
func (d *Device) adaptRate() bool {
	changed := false
	d.adrAckReq = false

	if !d.ctx.ADREnabled {
		return false
	}
	if d.adrAckCounter >= 0xff {
		return false
	}

	if d.adrAckCounter >= d.ctx.ADRAckLimit {
		d.adrAckReq = true

		if d.adrAckCounter >= d.ctx.ADRAckLimit+d.ctx.ADRAckDelay &&
			(d.adrAckCounter-(d.ctx.ADRAckLimit+d.ctx.ADRAckDelay))%d.ctx.ADRAckDelay == 0 {

			if d.ctx.Power > 0 {
				d.ctx.Power = 0
				d.log.Debug("adr: full power restored")
			} else if d.ctx.Rate > 0 {
				d.ctx.Rate--
				d.log.WithField("rate", d.ctx.Rate).Debug("adr: rate reduced")
			} else {
				d.ctx.AllUnmasked(d.bnd.NumChannels())
				d.adrAckCounter = 0xff - 1 // saturates to 0xff below
				d.log.Debug("adr: all channels unmasked")
			}
			changed = true
		}
	}

	d.adrAckCounter++
	return changed
}

func (d *Device) registerTime() {
	subBand := d.bnd.GetBand(d.tx.freq)
	d.acct.RegisterTX(
		d.tx.airTime,
		subBand,
		d.bnd.OffTimeFactor(subBand),
		d.op == OpJoining,
		d.ctx.MaxDutyCycle,
	)
}

func (d *Device) processBands(now uint32) bool {
	elapsed := now - d.lastTicks
	d.lastTicks = now

	if d.acct.Tick(elapsed) {
		d.log.Debug("channel ready")
		d.handler.HandleEvent(EventChannelReady{})
		return true
	}
	return false
}

func (d *Device) setNextBandEvent(now uint32) {
	units := d.acct.NextReadyIn()
	if units == duty.NoEvent {
		d.bus.Disarm(timer.Band)
		return
	}

	ticks := (uint64(units) + duty.UnitsPerSecond - 1) / duty.UnitsPerSecond * uint64(d.cfg.TPS)
	if ticks > math.MaxInt32 {
		ticks = math.MaxInt32
	}
	d.bus.Set(timer.Band, now, uint32(ticks))
}

// isAvailable reports whether channel i is transmittable: unmasked,
// configured, and with its sub-band off-time no worse than limit.
func (d *Device) isAvailable(i int, limit uint32) bool {
	if d.ctx.IsMasked(i) {
		return false
	}
	ch, err := d.getChannel(i)
	if err != nil || ch.Frequency == 0 {
		return false
	}
	return d.acct.Counter(d.bnd.GetBand(ch.Frequency)) <= limit
}

// selectChannel picks a channel for desiredRate uniformly at random
// from the eligible set, preferring not to reuse the previous channel
// when more than one option exists.
func (d *Device) selectChannel(desiredRate uint8, limit uint32, tx *txDesc) bool {
	num := d.bnd.NumChannels()
	eligible := make([]bool, num)
	available := 0
	except := -1

	for i := 0; i < num; i++ {
		if d.isAvailable(i, limit) {
			if i == d.tx.chIndex {
				except = i
			}
			eligible[i] = true
			available++
		}
	}

	if available == 0 {
		return false
	}

	if except >= 0 {
		if available == 1 {
			except = -1
		} else {
			available--
		}
	}

	selection := int(d.rand() % uint32(available))
	j := 0
	for i := 0; i < num; i++ {
		if !eligible[i] || i == except {
			continue
		}
		if selection == j {
			ch, err := d.getChannel(i)
			if err != nil {
				return false
			}
			tx.freq = ch.Frequency
			tx.chIndex = i
			tx.rate = requiredRate(desiredRate, ch.MinRate, ch.MaxRate)
			return true
		}
		j++
	}
	return false
}

func (d *Device) selectJoinChannelAndRate() {
	desired := d.bnd.GetJoinRate(d.trials)
	desired = d.bnd.ApplyUplinkDwell(d.uplinkDwell(), desired)

	if d.bnd.IsDynamic() {
		// dynamic regions join on the default channels; allow the
		// soonest-available one so a join trial is never starved
		if !d.selectChannel(desired, d.timeUntilNextChannel(), &d.tx) {
			d.log.Error("no join channel available")
		}
		return
	}

	d.tx.chIndex = d.bnd.GetJoinIndex(d.trials, d.rand())
	ch, err := d.bnd.GetChannel(d.tx.chIndex)
	if err != nil {
		d.log.WithError(err).Error("join channel lookup")
		return
	}
	d.tx.freq = ch.Frequency
	d.tx.rate = requiredRate(desired, ch.MinRate, ch.MaxRate)
}

// uplinkDwell reports whether the uplink dwell-time limit applies.
// The limit is in force by default (TXParamSetup still 0xff) until the
// network clears it with a TXParamSetupReq.
func (d *Device) uplinkDwell() bool {
	return d.ctx.TXParamSetup&0x10 != 0
}

// timeUntilAvailable returns the duty units before channel i can be
// used, or NoEvent when it never can be.
func (d *Device) timeUntilAvailable(i int) uint32 {
	if d.ctx.IsMasked(i) {
		return duty.NoEvent
	}
	ch, err := d.getChannel(i)
	if err != nil || ch.Frequency == 0 {
		return duty.NoEvent
	}
	return d.acct.TimeUntilReady(d.bnd.GetBand(ch.Frequency))
}

func (d *Device) timeUntilNextChannel() uint32 {
	min := uint32(duty.NoEvent)
	for i := 0; i < d.bnd.NumChannels(); i++ {
		if t := d.timeUntilAvailable(i); t < min {
			min = t
		}
	}
	return min
}

func (d *Device) fillJoinBuffer(devNonce lorawan.DevNonce) {
	d.ctx.DevNonce = devNonce

	n, err := d.ops.PrepareJoinRequest(d.buffer[:], d.cfg.JoinEUI, d.cfg.DevEUI, devNonce)
	if err != nil {
		d.log.WithError(err).Error("join request")
		return
	}
	d.bufferLen = n

	d.selectJoinChannelAndRate()
}

// symbolPeriod returns the LoRa symbol period in host ticks at rate.
func (d *Device) symbolPeriod(rate uint8) uint32 {
	dr, err := d.bnd.ConvertRate(rate)
	if err != nil || dr.Modulation != band.LoRaModulation || dr.Bandwidth == 0 {
		return d.cfg.TPS / 1000 // treat as a 1ms symbol
	}
	return (uint32(1) << uint(dr.SpreadFactor)) * d.cfg.TPS / uint32(dr.Bandwidth*1000)
}

func extraSymbols(xtalError, symbolPeriod uint32) uint32 {
	if symbolPeriod == 0 {
		return 0
	}
	n := xtalError / symbolPeriod
	if xtalError%symbolPeriod > 0 {
		n++
	}
	return n
}

// airtimeMS computes the time on air in milliseconds, rounded up, for
// a payload at rate. Low-data-rate optimization is applied at SF11/12
// on 125 kHz per the Semtech formula.
func (d *Device) airtimeMS(rate uint8, payloadLen int, header bool) uint32 {
	dr, err := d.bnd.ConvertRate(rate)
	if err != nil {
		return 0
	}

	if dr.Modulation == band.FSKModulation {
		if dr.BitRate == 0 {
			return 0
		}
		bits := uint64(payloadLen+8) * 8 * 1000
		return uint32((bits + uint64(dr.BitRate) - 1) / uint64(dr.BitRate))
	}

	ldro := dr.Bandwidth == 125 && dr.SpreadFactor >= 11
	dur, err := airtime.CalculateLoRaAirtime(payloadLen, dr.SpreadFactor, dr.Bandwidth, 8, airtime.CodingRate45, header, ldro)
	if err != nil {
		return 0
	}
	ms := dur.Milliseconds()
	if dur%time.Millisecond > 0 {
		ms++
	}
	return uint32(ms)
}
