package mac

import (
	"encoding"

	"github.com/sirupsen/logrus"

	"github.com/ellenhale/lorawan-mac/duty"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/stream"
	"github.com/ellenhale/lorawan-mac/timer"
)

// maxFOpts is the FHDR's MAC-command capacity; answers beyond this are
// promoted to a port-0 frame of their own.
const maxFOpts = 15

// externalDataCommand is the shared body of UnconfirmedData and
// ConfirmedData.
func (d *Device) externalDataCommand(confirmed bool, port uint8, data []byte, opts *DataOpts) error {
	if !d.ctx.Joined {
		return ErrNotJoined
	}
	if d.op != OpNone {
		return ErrBusy
	}
	if port == 0 || port > 223 {
		return ErrPort
	}
	if d.acct.Counter(duty.Global) != 0 {
		return ErrNoChannel
	}

	d.tx.power = d.ctx.Power
	d.tx.rate = d.bnd.ApplyUplinkDwell(d.uplinkDwell(), d.ctx.Rate)

	if !d.selectChannel(d.tx.rate, 0, &d.tx) {
		return ErrNoChannel
	}

	dr, err := d.bnd.ConvertRate(d.ctx.Rate)
	if err != nil {
		return ErrRate
	}
	maxPayload := dr.MaxMACPayload
	desiredLen := len(data) + lorawan.DataOverhead

	if desiredLen > maxPayload {
		return ErrSize
	}

	d.opts = DataOpts{}
	if opts != nil {
		d.opts = *opts
	}
	d.opts.NbTrans &= 0x0f
	d.trials = 0

	d.op = OpDataUnconfirmed
	if confirmed {
		d.op = OpDataConfirmed
	}

	mtype := lorawan.MTypeUnconfirmedDataUp
	if confirmed {
		mtype = lorawan.MTypeConfirmedDataUp
	}

	f := lorawan.Frame{
		MHDR:    lorawan.NewMHDR(mtype, lorawan.MajorR1),
		DevAddr: d.ctx.DevAddr,
		FCtrl:   lorawan.NewFCtrl(d.ctx.ADREnabled, d.adrAckReq, d.pendingACK, 0),
		FCnt:    uint16(d.ctx.FCntUp),
	}
	f.FPort = &port

	// 1.1 re-calculates the MIC when a frame is retried on a different
	// channel, so the counter the frame was built with is snapshotted
	d.tx.counter = d.ctx.FCntUp
	d.ctx.FCntUp++

	macs := d.serializePendingCommands()

	retval := error(nil)
	switch {
	case len(macs) > maxFOpts:
		// the answers alone exceed the FOpts capacity: send them as a
		// port-0 frame of their own and drop the user data this attempt
		d.log.Debug("mac commands prioritised (port 0)")
		f.MHDR = lorawan.NewMHDR(lorawan.MTypeUnconfirmedDataUp, lorawan.MajorR1)
		d.op = OpDataUnconfirmed
		zero := uint8(0)
		f.FPort = &zero
		f.FRMPayload = macs
		retval = ErrMACPriority

	case desiredLen+len(macs) > maxPayload:
		// answers and user data don't fit together: the answers win
		d.log.Debug("mac commands prioritised (fopts)")
		f.MHDR = lorawan.NewMHDR(lorawan.MTypeUnconfirmedDataUp, lorawan.MajorR1)
		d.op = OpDataUnconfirmed
		f.FPort = nil
		f.FOpts = macs
		retval = ErrMACPriority

	default:
		f.FOpts = macs
		f.FRMPayload = data
	}

	n, err := d.ops.PrepareData(d.buffer[:], &f, &d.ctx, d.tx.counter)
	if err != nil {
		d.op = OpNone
		return err
	}
	d.bufferLen = n

	if err := d.ops.MICDataFrame(d.buffer[:d.bufferLen], &d.ctx, d.tx.counter, d.tx.rate, uint8(d.tx.chIndex)); err != nil {
		d.op = OpNone
		return err
	}

	if d.state == StateIdle {
		d.state = StateWaitTX
		d.bus.Set(timer.WaitA, d.now(), 0)
	}

	d.log.WithFields(logrus.Fields{
		"port":      port,
		"confirmed": confirmed,
		"fcnt":      d.tx.counter,
	}).Debug("data pending")

	return retval
}

func putCommand(w *stream.Writer, cid lorawan.CID, payload encoding.BinaryMarshaler) {
	w.PutU8(byte(cid))
	if payload == nil {
		return
	}
	b, _ := payload.MarshalBinary()
	w.PutBytes(b)
}

// serializePendingCommands writes every pending answer (sticky first,
// then single-shot, which are cleared on enqueue) plus any requested
// piggybacks into a fresh buffer.
func (d *Device) serializePendingCommands() []byte {
	buf := make([]byte, 30)
	w := stream.NewWriter(buf)

	// sticky answers repeat until the network round-trips them
	if d.ctx.IsPending(lorawan.CIDRekey) {
		putCommand(w, lorawan.CIDRekey, lorawan.RekeyInd{Version: d.ctx.Version})
	}
	if d.ctx.IsPending(lorawan.CIDRXParamSetup) {
		putCommand(w, lorawan.CIDRXParamSetup, d.ctx.RXParamSetupAns)
	}
	if d.ctx.IsPending(lorawan.CIDDLChannel) {
		putCommand(w, lorawan.CIDDLChannel, d.ctx.DLChannelAns)
	}
	if d.ctx.IsPending(lorawan.CIDRXTimingSetup) {
		putCommand(w, lorawan.CIDRXTimingSetup, nil)
	}

	// single-shot answers go out once
	if d.ctx.IsPending(lorawan.CIDLinkADR) {
		putCommand(w, lorawan.CIDLinkADR, d.ctx.LinkADRAns)
		d.ctx.ClearPendingCmd(lorawan.CIDLinkADR)
	}
	if d.ctx.IsPending(lorawan.CIDDevStatus) {
		putCommand(w, lorawan.CIDDevStatus, d.ctx.DevStatusAns)
		d.ctx.ClearPendingCmd(lorawan.CIDDevStatus)
	}
	if d.ctx.IsPending(lorawan.CIDNewChannel) {
		putCommand(w, lorawan.CIDNewChannel, d.ctx.NewChannelAns)
		d.ctx.ClearPendingCmd(lorawan.CIDNewChannel)
	}
	if d.ctx.IsPending(lorawan.CIDRejoinParamSetup) {
		putCommand(w, lorawan.CIDRejoinParamSetup, d.ctx.RejoinParamAns)
		d.ctx.ClearPendingCmd(lorawan.CIDRejoinParamSetup)
	}
	if d.ctx.IsPending(lorawan.CIDADRParamSetup) {
		putCommand(w, lorawan.CIDADRParamSetup, nil)
		d.ctx.ClearPendingCmd(lorawan.CIDADRParamSetup)
	}
	if d.ctx.IsPending(lorawan.CIDTXParamSetup) {
		putCommand(w, lorawan.CIDTXParamSetup, nil)
		d.ctx.ClearPendingCmd(lorawan.CIDTXParamSetup)
	}
	if d.ctx.IsPending(lorawan.CIDDutyCycle) {
		putCommand(w, lorawan.CIDDutyCycle, nil)
		d.ctx.ClearPendingCmd(lorawan.CIDDutyCycle)
	}

	if d.opts.Check {
		putCommand(w, lorawan.CIDLinkCheck, nil)
	}
	if d.opts.GetTime {
		putCommand(w, lorawan.CIDDeviceTime, nil)
	}

	return w.Bytes()
}

// processCommands walks a downstream MAC-command stream from FOpts or
// a port-0 FRMPayload. LinkADR blocks are accumulated and answered
// once, with a full rollback when any aspect of the combined request
// fails.
func (d *Device) processCommands(in []byte) {
	// rollback cache for the LinkADR transaction
	savedMask := d.ctx.ChannelMask
	savedNbTrans := d.ctx.NbTrans
	savedPower := d.ctx.Power
	savedRate := d.ctx.Rate

	const (
		adrNone = iota
		adrOK
		adrBad
	)
	adr := adrNone

	d.ctx.LinkADRAns.ChMaskAck = true

	for len(in) > 0 {
		cid, size, err := lorawan.PeekNextCommand(in, false)
		if err != nil || size > len(in) {
			d.log.WithError(err).Debug("truncated MAC command stream")
			break
		}
		payload := in[1:size]
		in = in[size:]

		switch cid {
		case lorawan.CIDLinkCheck:
			var ans lorawan.LinkCheckAns
			if ans.UnmarshalBinary(payload) == nil {
				d.handler.HandleEvent(EventLinkStatus{Margin: ans.Margin, GwCount: ans.GwCount})
			}

		case lorawan.CIDLinkADR:
			var req lorawan.LinkADRReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			last := true
			if next, _, err := lorawan.PeekNextCommand(in, false); err == nil && next == lorawan.CIDLinkADR {
				last = false
			}
			if state := d.processLinkADR(&req, last); state != adrNone {
				adr = state
			}

		case lorawan.CIDDutyCycle:
			var req lorawan.DutyCycleReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			d.ctx.MaxDutyCycle = req.MaxDCycle
			d.ctx.SetPendingCmd(lorawan.CIDDutyCycle)

		case lorawan.CIDRXParamSetup:
			var req lorawan.RXParamSetupReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			d.ctx.RX1DROffset = req.RX1DROffset
			d.ctx.RX2DataRate = req.RX2DataRate
			d.ctx.RX2Freq = req.Frequency
			d.ctx.RXParamSetupAns = lorawan.RXParamSetupAns{
				ChannelAck:     true,
				RX2DataRateAck: true,
				RX1DROffsetAck: true,
			}
			d.ctx.SetPendingCmd(lorawan.CIDRXParamSetup)

		case lorawan.CIDDevStatus:
			margin := d.rxSNR
			if margin > 31 {
				margin = 31
			} else if margin < -32 {
				margin = -32
			}
			d.ctx.DevStatusAns = lorawan.DevStatusAns{
				Battery: d.batteryLevel(),
				Margin:  margin,
			}
			d.ctx.SetPendingCmd(lorawan.CIDDevStatus)

		case lorawan.CIDNewChannel:
			var req lorawan.NewChannelReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			if !d.bnd.IsDynamic() {
				break // fixed plans are not remotely editable
			}
			_, errMin := d.bnd.ConvertRate(req.MinDR)
			_, errMax := d.bnd.ConvertRate(req.MaxDR)
			d.ctx.NewChannelAns = lorawan.NewChannelAns{
				DataRateOK:    errMin == nil && errMax == nil && req.MinDR <= req.MaxDR,
				ChannelFreqOK: req.Frequency == 0 || d.bnd.ValidateFreq(req.Frequency),
			}
			if d.ctx.NewChannelAns.DataRateOK && d.ctx.NewChannelAns.ChannelFreqOK {
				if err := d.addChannel(int(req.ChIndex), req.Frequency, req.MinDR, req.MaxDR); err != nil {
					d.ctx.NewChannelAns.ChannelFreqOK = false
				}
			}
			d.ctx.SetPendingCmd(lorawan.CIDNewChannel)

		case lorawan.CIDDLChannel:
			var req lorawan.DLChannelReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			if !d.bnd.IsDynamic() {
				break
			}
			d.ctx.DLChannelAns = lorawan.DLChannelAns{
				UplinkFreqExists: true,
				ChannelFreqOK:    d.bnd.ValidateFreq(req.Frequency),
			}
			d.ctx.SetPendingCmd(lorawan.CIDDLChannel)

		case lorawan.CIDRXTimingSetup:
			var req lorawan.RXTimingSetupReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			if req.Delay == 0 {
				req.Delay = 1
			}
			d.ctx.RX1Delay = req.Delay
			d.ctx.SetPendingCmd(lorawan.CIDRXTimingSetup)

		case lorawan.CIDTXParamSetup:
			if !d.bnd.TXParamSetupImplemented() {
				break
			}
			if len(payload) != 1 {
				break
			}
			d.ctx.TXParamSetup = payload[0]
			d.ctx.SetPendingCmd(lorawan.CIDTXParamSetup)

		case lorawan.CIDDeviceTime:
			var ans lorawan.DeviceTimeAns
			if ans.UnmarshalBinary(payload) != nil {
				break
			}
			d.handleDeviceTime(ans)

		case lorawan.CIDADRParamSetup:
			var req lorawan.ADRParamSetupReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			d.ctx.ADRAckLimit = 1 << req.LimitExp
			d.ctx.ADRAckDelay = 1 << req.DelayExp
			d.ctx.SetPendingCmd(lorawan.CIDADRParamSetup)

		case lorawan.CIDRekey:
			var conf lorawan.RekeyConf
			if conf.UnmarshalBinary(payload) != nil {
				break
			}
			// only the device's own version is valid; anything else is
			// discarded and the RekeyInd keeps repeating
			if conf.Version == d.ctx.Version {
				d.ctx.ClearPendingCmd(lorawan.CIDRekey)
			}

		case lorawan.CIDForceRejoin:
			// accepted, not acted upon by this core
			d.log.Debug("force_rejoin_req ignored")

		case lorawan.CIDRejoinParamSetup:
			var req lorawan.RejoinParamSetupReq
			if req.UnmarshalBinary(payload) != nil {
				break
			}
			d.ctx.RejoinParamAns = lorawan.RejoinParamSetupAns{TimeOK: false}
			d.ctx.SetPendingCmd(lorawan.CIDRejoinParamSetup)

		default:
			d.log.WithField("cid", cid).Debug("MAC command not handled")
		}
	}

	if adr == adrBad {
		d.log.Debug("bad ADR setting; rollback")
		d.ctx.ChannelMask = savedMask
		d.ctx.NbTrans = savedNbTrans
		d.ctx.Power = savedPower
		d.ctx.Rate = savedRate
	}
}

// processLinkADR applies one LinkADRReq block. Contiguous blocks
// accumulate channel-mask edits; the rate/power/nbTrans of the final
// block and a single LinkADRAns settle the whole transaction. Returns
// 0 while the transaction is open, 1 (ok) or 2 (bad) once settled.
func (d *Device) processLinkADR(req *lorawan.LinkADRReq, last bool) int {
	if d.ctx.IsPending(lorawan.CIDLinkADR) {
		// a second transaction inside the same downlink is against the
		// standard; ignore it
		d.log.Debug("ignoring extra link_adr_req transaction")
		return 0
	}

	cntl := req.Redundancy.ChMaskCntl

	if d.bnd.IsDynamic() {
		switch cntl {
		case 0:
			for i := 0; i < 16; i++ {
				if req.ChMask&(1<<uint(i)) != 0 {
					d.ctx.UnmaskChannel(i)
				} else {
					d.ctx.MaskChannel(i)
				}
			}
		case 6:
			d.ctx.AllUnmasked(d.bnd.NumChannels())
		default:
			d.ctx.LinkADRAns.ChMaskAck = false
		}
	} else {
		switch cntl {
		case 6, 7: // all 125 kHz channels on / off
			for i := 0; i < 64; i++ {
				if cntl == 6 {
					d.ctx.UnmaskChannel(i)
				} else {
					d.ctx.MaskChannel(i)
				}
			}
		default:
			for i := 0; i < 16; i++ {
				index := int(cntl)*16 + i
				if index >= d.bnd.NumChannels() {
					continue
				}
				if req.ChMask&(1<<uint(i)) != 0 {
					d.ctx.UnmaskChannel(index)
				} else {
					d.ctx.MaskChannel(index)
				}
			}
		}
	}

	if !last {
		return 0
	}

	d.ctx.LinkADRAns.DataRateAck = true
	d.ctx.LinkADRAns.TXPowerAck = true

	// nbTrans 0 means keep the current value
	if req.Redundancy.NbTrans > 0 {
		d.ctx.NbTrans = req.Redundancy.NbTrans & 0x0f
	}

	// 15 means keep the current value
	if req.DataRate < 0x0f {
		if d.rateSettingIsValid(req.DataRate) {
			d.ctx.Rate = req.DataRate
		} else {
			d.ctx.LinkADRAns.DataRateAck = false
		}
	}

	if req.TXPower < 0x0f {
		if d.bnd.ValidateTXPower(req.TXPower) {
			d.ctx.Power = req.TXPower
		} else {
			d.ctx.LinkADRAns.TXPowerAck = false
		}
	}

	// never let the server mask every channel
	if d.allChannelsMasked() {
		d.log.Info("server attempted to mask all channels")
		d.ctx.LinkADRAns.ChMaskAck = false
	}

	d.ctx.SetPendingCmd(lorawan.CIDLinkADR)

	if d.ctx.LinkADRAns.ChMaskAck && d.ctx.LinkADRAns.DataRateAck && d.ctx.LinkADRAns.TXPowerAck {
		return 1
	}
	return 2
}

func (d *Device) allChannelsMasked() bool {
	for i := 0; i < d.bnd.NumChannels(); i++ {
		if !d.ctx.IsMasked(i) {
			return false
		}
	}
	return true
}

// handleDeviceTime compensates the network's answer for the time that
// has passed since the uplink it answers left the antenna, then
// delivers it.
func (d *Device) handleDeviceTime(ans lorawan.DeviceTimeAns) {
	t := uint64(ans.Seconds)<<8 | uint64(ans.FracSecond)

	lag := d.now() - d.ticksAtTX
	t += uint64(lag) * duty.UnitsPerSecond / uint64(d.cfg.TPS)

	d.handler.HandleEvent(EventDeviceTime{
		Seconds:   uint32(t >> 8),
		Fractions: uint8(t),
	})
}
