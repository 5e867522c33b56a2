// Package mac implements the LoRaWAN end-device protocol engine:
// a cooperative, single-threaded state machine that joins a
// network, schedules uplinks against regional duty-cycle budgets,
// opens the RX1/RX2 receive windows, retries and adapts rate, and
// round-trips MAC commands with the network server.
//
// The only interrupt-safe entry point is RadioEvent, which latches a
// timestamp; all work happens inside Process, driven by the
// application whenever TicksUntilNextEvent elapses.
package mac

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/duty"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/ops"
	"github.com/ellenhale/lorawan-mac/radio"
	"github.com/ellenhale/lorawan-mac/session"
	"github.com/ellenhale/lorawan-mac/sm"
	"github.com/ellenhale/lorawan-mac/timer"
)

// Synchronous API errors. These never change visible state
// beyond what their method documents.
var (
	ErrNoChannel   = errors.New("mac: no channel available")
	ErrSize        = errors.New("mac: payload too large for current rate")
	ErrRate        = errors.New("mac: invalid rate for this region")
	ErrPort        = errors.New("mac: port must be in 1..223")
	ErrBusy        = errors.New("mac: operation already in progress")
	ErrNotJoined   = errors.New("mac: not joined")
	ErrPower       = errors.New("mac: invalid power index for this region")
	ErrMACPriority = errors.New("mac: pending MAC commands displaced user data")
	ErrJoined      = errors.New("mac: already joined")
	ErrDevNonce    = errors.New("mac: DevNonce exhausted")
)

// State enumerates the scheduler states.
type State int

// Scheduler states.
const (
	StateInit State = iota
	StateRadioReset
	StateRadioBoot
	StateIdle
	StateWaitEntropy
	StateStartRadioForEntropy
	StateEntropy
	StateWaitOTAA
	StateWaitTX
	StateStartRadioForTX
	StateTX
	StateWaitRX1
	StateStartRadioForRX1
	StateRX1
	StateWaitRX2
	StateStartRadioForRX2
	StateRX2
	StateRX2Lockout
)

func (s State) String() string {
	names := [...]string{
		"Init", "RadioReset", "RadioBoot", "Idle",
		"WaitEntropy", "StartRadioForEntropy", "Entropy",
		"WaitOTAA", "WaitTX", "StartRadioForTX", "TX",
		"WaitRX1", "StartRadioForRX1", "RX1",
		"WaitRX2", "StartRadioForRX2", "RX2", "RX2Lockout",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Op enumerates the operations the scheduler can have in flight.
type Op int

// Operations.
const (
	OpNone Op = iota
	OpEntropy
	OpJoining
	OpRejoining
	OpDataUnconfirmed
	OpDataConfirmed
)

func (o Op) String() string {
	names := [...]string{"None", "Entropy", "Joining", "Rejoining", "DataUnconfirmed", "DataConfirmed"}
	if int(o) < len(names) {
		return names[o]
	}
	return "Unknown"
}

// System is the host platform boundary. Ticks is the
// monotonic tick source and is mandatory; Rand and BatteryLevel are
// optional upgrades discovered by type assertion.
type System interface {
	Ticks() uint32
}

// RandSource is implemented by a System that can supply entropy for
// channel selection and OTAA dither.
type RandSource interface {
	Rand() uint32
}

// BatterySource is implemented by a System that can report a battery
// level for DevStatusAns.
type BatterySource interface {
	BatteryLevel() uint8
}

// DataOpts carries the per-call options of a data service.
type DataOpts struct {
	NbTrans uint8 // overrides the session's nbTrans for this operation; 0 = keep
	Check   bool  // piggyback a LinkCheckReq
	GetTime bool  // piggyback a DeviceTimeReq
}

// Config carries the host timing parameters plus the device identity
// and an optional session snapshot to restore.
type Config struct {
	TPS     uint32 // host ticks per second, 1000..1000000
	A, B    uint32 // xtal drift model: error = waitSeconds*A*2 + B, in ticks
	Advance uint32 // RX-open advance covering the IRQ response path, in ticks

	OTAADither     uint32 // join dither window in seconds; 0 = 30
	StartupDelayMS uint32 // global off-time seeded at init

	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64

	DevNonce  uint32 // next DevNonce, widened so exhaustion is detectable
	JoinNonce uint32 // last JoinNonce accepted plus one

	Session []byte // snapshot from a prior EventSessionUpdated, or nil

	Log *logrus.Entry
}

const (
	maxPacket = 255

	// every supported region opens RX1 five seconds after a
	// join-request.
	joinAcceptDelay1 = 5

	defaultADRAckLimit = 64
	defaultADRAckDelay = 32
	defaultOTAADither  = 30
)

type txDesc struct {
	freq    uint32
	chIndex int
	rate    uint8
	power   uint8
	counter uint32
	airTime uint32 // duty units
}

// Device is the MAC scheduler. It exclusively owns its buffer, timers,
// session and duty-cycle counters; the Radio and Security Module are
// referenced, never owned.
type Device struct {
	cfg     Config
	rdo     radio.Radio
	ops     *ops.Ops
	handler Handler
	sys     System
	log     *logrus.Entry

	ctx session.Session
	bnd band.Band

	state State
	op    Op

	bus  timer.Bus
	acct *duty.Accountant

	buffer    [maxPacket]byte
	bufferLen int
	rxBuf     [maxPacket]byte

	tx    txDesc
	opts  DataOpts
	trials int

	adrAckCounter uint16
	adrAckReq     bool

	rx1Symbols uint16
	rx2Symbols uint16
	rxSNR      int8

	fPending   bool
	pendingACK bool

	devNonce32  uint32
	joinNonce32 uint32

	ticksAtTX uint32
	lastTicks uint32

	maxDutyCycle uint8
}

type nopHandler struct{}

func (nopHandler) HandleEvent(Event) {}

// New initializes a Device for region. The session snapshot in cfg is
// restored when its magic and region match (re-deriving session keys
// from the saved join material); otherwise regional defaults are
// installed. The device starts in StateInit and walks the radio reset
// sequence on the first Process calls.
func New(region band.Name, r radio.Radio, module sm.Module, h Handler, sys System, cfg Config) (*Device, error) {
	if sys == nil {
		return nil, errors.New("mac: a System tick source is mandatory")
	}
	if cfg.TPS < 1000 || cfg.TPS > 1000000 {
		return nil, errors.New("mac: tps must be in 1000..1000000")
	}
	b, err := band.Get(region)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = nopHandler{}
	}

	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	d := &Device{
		cfg:         cfg,
		rdo:         r,
		ops:         ops.New(module),
		handler:     h,
		sys:         sys,
		log:         log.WithField("region", region),
		bnd:         b,
		acct:        duty.NewAccountant(cfg.TPS),
		devNonce32:  cfg.DevNonce,
		joinNonce32: cfg.JoinNonce,
	}
	d.tx.chIndex = -1

	restored := false
	if len(cfg.Session) > 0 {
		var s session.Session
		if err := s.UnmarshalBinary(cfg.Session); err == nil &&
			s.Magic == session.Magic && s.Region == region {
			d.ctx = s
			if err := d.ops.DeriveKeys(&d.ctx, cfg.JoinEUI); err != nil {
				return nil, err
			}
			restored = true
		}
	}
	if !restored {
		d.initSession(region)
	}

	d.acct.SetStartupDelay(msToTime(cfg.StartupDelayMS))
	d.lastTicks = sys.Ticks()
	d.bus.Set(timer.WaitA, d.now(), 0)

	return d, nil
}

func (d *Device) now() uint32 { return d.sys.Ticks() }

func (d *Device) rand() uint32 {
	if rs, ok := d.sys.(RandSource); ok {
		return rs.Rand()
	}
	return 42
}

func (d *Device) batteryLevel() uint8 {
	if bs, ok := d.sys.(BatterySource); ok {
		return bs.BatteryLevel()
	}
	return 0xff
}

// State returns the current scheduler state.
func (d *Device) State() State { return d.state }

// Op returns the operation currently in flight.
func (d *Device) Op() Op { return d.op }

// Joined reports whether a session is active.
func (d *Device) Joined() bool { return d.ctx.Joined }

// Session returns a copy of the persisted session record.
func (d *Device) Session() session.Session { return d.ctx }

// FPending reports whether the last downlink indicated more data is
// queued at the network.
func (d *Device) FPending() bool { return d.fPending }

// AckPending reports whether the next uplink will acknowledge a
// confirmed downlink.
func (d *Device) AckPending() bool { return d.pendingACK }

// RadioEvent latches ticks as the radio interrupt timestamp. It is the
// only method safe to call from an interrupt context; no work happens
// here.
func (d *Device) RadioEvent(ticks uint32) {
	d.bus.InputSignal(ticks)
}

// TicksUntilNextEvent returns how long the host may sleep before the
// next Process call is due: zero when a radio event is already
// pending, otherwise the nearest timer deadline.
func (d *Device) TicksUntilNextEvent() uint32 {
	if d.bus.InputPending() {
		return 0
	}
	return d.bus.TicksUntilNext(d.now())
}

// Ready reports whether a data service could start right now: idle
// with at least one duty-cycle-clear channel.
func (d *Device) Ready() bool {
	return d.state == StateIdle && d.timeUntilNextChannel() == 0
}

// Priority reports whether the MAC is inside the timing-critical
// TX/RX window sequence, during which the host should avoid long
// excursions.
func (d *Device) Priority(interval uint8) bool {
	_ = interval
	switch d.state {
	case StateTX, StateWaitRX1, StateRX1, StateWaitRX2, StateRX2:
		return true
	default:
		return false
	}
}

// SetRate sets the desired uplink data rate.
func (d *Device) SetRate(rate uint8) error {
	if !d.rateSettingIsValid(rate) {
		return ErrRate
	}
	d.ctx.Rate = rate
	d.pushSessionUpdate()
	return nil
}

// Rate returns the desired uplink data rate.
func (d *Device) Rate() uint8 { return d.ctx.Rate }

// SetPower sets the regional TX power index.
func (d *Device) SetPower(power uint8) error {
	if !d.bnd.ValidateTXPower(power) {
		return ErrPower
	}
	d.ctx.Power = power
	d.pushSessionUpdate()
	return nil
}

// Power returns the regional TX power index.
func (d *Device) Power() uint8 { return d.ctx.Power }

// SetADR enables or disables adaptive data rate.
func (d *Device) SetADR(enabled bool) {
	d.ctx.ADREnabled = enabled
	d.pushSessionUpdate()
}

// ADR reports whether adaptive data rate is enabled.
func (d *Device) ADR() bool { return d.ctx.ADREnabled }

// SetMaxDutyCycle applies a local aggregated duty-cycle exponent, as
// if a DutyCycleReq had been received.
func (d *Device) SetMaxDutyCycle(exp uint8) {
	d.maxDutyCycle = exp & 0x0f
	d.ctx.MaxDutyCycle = d.maxDutyCycle
	d.pushSessionUpdate()
}

// MaxDutyCycle returns the aggregated duty-cycle exponent in force.
func (d *Device) MaxDutyCycle() uint8 { return d.ctx.MaxDutyCycle }

// Entropy requests a wideband-noise sample from the radio. The value
// arrives as an EventEntropy.
func (d *Device) Entropy() error {
	if d.op != OpNone {
		return ErrBusy
	}
	d.op = OpEntropy
	if d.state == StateIdle {
		d.state = StateRadioBoot
		d.bus.Set(timer.WaitA, d.now(), 0)
	}
	return nil
}

// OTAA begins an over-the-air activation. Join attempts repeat, paced
// by the regulatory OTAA back-off, until a join-accept arrives or the
// DevNonce space is exhausted.
func (d *Device) OTAA() error {
	if d.ctx.Joined {
		return ErrJoined
	}
	if d.op != OpNone {
		return ErrBusy
	}
	if d.devNonce32 > 0xffff {
		return ErrDevNonce
	}

	d.forgetNetwork()
	d.trials = 0
	d.acct.ResetDay()

	if err := d.ops.DeriveJoinKeys(d.cfg.DevEUI); err != nil {
		return err
	}

	d.fillJoinBuffer(lorawan.DevNonce(d.devNonce32))

	d.devNonce32++
	d.handler.HandleEvent(EventDevNonceUpdated{NextDevNonce: d.devNonce32})

	d.tx.power = 0
	d.op = OpJoining

	if d.state == StateIdle {
		d.state = StateWaitOTAA
		d.bus.Set(timer.WaitA, d.now(), 0)
	}

	d.log.Info("otaa pending")
	return nil
}

// ABP activates the device with a pre-provisioned address and session
// keys (which must already be loaded into the Security Module).
func (d *Device) ABP(devAddr lorawan.DevAddr) error {
	if d.ctx.Joined {
		return ErrJoined
	}
	if d.op != OpNone {
		return ErrBusy
	}

	d.forgetNetwork()
	d.ctx.Joined = true
	d.ctx.DevAddr = devAddr
	d.acct.SetStartupDelay(0)
	d.acct.ResetDay()
	d.pushSessionUpdate()
	return nil
}

// UnconfirmedData queues an unconfirmed uplink.
func (d *Device) UnconfirmedData(port uint8, data []byte, opts *DataOpts) error {
	return d.externalDataCommand(false, port, data, opts)
}

// ConfirmedData queues a confirmed uplink.
func (d *Device) ConfirmedData(port uint8, data []byte, opts *DataOpts) error {
	return d.externalDataCommand(true, port, data, opts)
}

// Cancel aborts the operation in flight: the radio is reset, timers
// stopped, any in-flight airtime charged against duty cycle, and one
// EventOpCancelled emitted.
func (d *Device) Cancel() {
	op := d.op
	prevState := d.state
	d.op = OpNone

	switch prevState {
	case StateInit, StateRadioReset, StateRadioBoot:
		// the reset sequence is already running
	default:
		d.bus.Disarm(timer.WaitA)
		d.bus.Disarm(timer.WaitB)
		d.bus.InputDisarm()

		d.state = StateRadioReset
		d.rdo.SetMode(radio.ModeReset)
		d.bus.Set(timer.WaitA, d.now(), d.cfg.TPS/1024)
	}

	if prevState == StateTX {
		d.registerTime()
	}

	if op != OpNone {
		d.handler.HandleEvent(EventOpCancelled{})
	}
}

// Forget cancels any operation in flight and discards the session,
// restoring regional defaults for channels and link parameters while
// preserving region, rate, power and the ADR setting.
func (d *Device) Forget() {
	d.Cancel()
	if d.ctx.Joined {
		d.acct.SetStartupDelay(0)
		d.forgetNetwork()
		d.pushSessionUpdate()
	}
}

// MTU returns the number of application payload bytes that currently
// fit in one uplink: the largest MACPayload at the effective rate,
// less the frame overhead and any pending MAC-command answers.
func (d *Device) MTU() int {
	rate := d.ctx.Rate
	for i := 0; i < d.bnd.NumChannels(); i++ {
		if d.ctx.IsMasked(i) {
			continue
		}
		ch, err := d.getChannel(i)
		if err != nil || ch.Frequency == 0 {
			continue
		}
		rate = requiredRate(rate, ch.MinRate, ch.MaxRate)
	}

	dr, err := d.bnd.ConvertRate(rate)
	if err != nil {
		return 0
	}

	overhead := lorawan.DataOverhead
	if d.ctx.Joined {
		for _, cid := range []lorawan.CID{
			lorawan.CIDLinkADR, lorawan.CIDDutyCycle, lorawan.CIDRXParamSetup,
			lorawan.CIDDevStatus, lorawan.CIDNewChannel, lorawan.CIDRXTimingSetup,
			lorawan.CIDDLChannel, lorawan.CIDRekey, lorawan.CIDADRParamSetup,
			lorawan.CIDRejoinParamSetup,
		} {
			if d.ctx.IsPending(cid) {
				overhead += lorawan.SizeOfCommandUp(cid)
			}
		}
	}

	if overhead >= dr.MaxMACPayload {
		return 0
	}
	return dr.MaxMACPayload - overhead
}

// initSession installs regional defaults for a factory-fresh device.
func (d *Device) initSession(region band.Name) {
	d.ctx.Region = region
	d.forgetNetwork()
	d.ctx.Rate = 0
	d.ctx.Power = 0
	d.ctx.ADREnabled = true
}

// forgetNetwork resets the session to regional defaults, preserving
// region, rate, power and the ADR flag.
func (d *Device) forgetNetwork() {
	region := d.ctx.Region
	rate := d.ctx.Rate
	power := d.ctx.Power
	adr := d.ctx.ADREnabled

	d.fPending = false
	d.pendingACK = false

	d.ctx = session.Session{
		Magic:        session.Magic,
		Region:       region,
		Rate:         rate,
		Power:        power,
		ADREnabled:   adr,
		RX1Delay:     1,
		RX2DataRate:  d.bnd.GetRX2Rate(),
		RX2Freq:      d.bnd.GetRX2Freq(),
		ADRAckLimit:  defaultADRAckLimit,
		ADRAckDelay:  defaultADRAckDelay,
		TXParamSetup: 0xff,
		MaxDutyCycle: d.maxDutyCycle,
	}

	if err := d.bnd.GetDefaultChannels(d.addChannel); err != nil {
		d.log.WithError(err).Error("installing default channels")
	}
}

// addChannel is the AddChannelFunc bound into band.GetDefaultChannels
// and band.ProcessCFList. Dynamic regions store the slot; fixed
// regions only track the mask bit, their frequencies coming from the
// region formula.
func (d *Device) addChannel(index int, freq uint32, minRate, maxRate uint8) error {
	if d.bnd.IsDynamic() {
		if freq != 0 && !d.bnd.ValidateFreq(freq) {
			return band.ErrInvalidChannel
		}
		if err := d.ctx.AddChannel(index, freq, minRate, maxRate); err != nil {
			return err
		}
	}
	if freq == 0 {
		d.ctx.MaskChannel(index)
	} else {
		d.ctx.UnmaskChannel(index)
	}
	return nil
}

func (d *Device) getChannel(index int) (band.Channel, error) {
	if d.bnd.IsDynamic() {
		return d.ctx.GetChannel(index)
	}
	return d.bnd.GetChannel(index)
}

func (d *Device) rateSettingIsValid(rate uint8) bool {
	for i := 0; i < d.bnd.NumChannels(); i++ {
		ch, err := d.getChannel(i)
		if err != nil || ch.Frequency == 0 {
			continue
		}
		if d.bnd.ValidateRate(rate, ch.MinRate, ch.MaxRate) {
			return true
		}
	}
	return false
}

func (d *Device) pushSessionUpdate() {
	d.handler.HandleEvent(EventSessionUpdated{Session: d.ctx})
}

func requiredRate(desired, min, max uint8) uint8 {
	if desired < min {
		return min
	}
	if desired > max {
		return max
	}
	return desired
}

// msToTime converts milliseconds to duty-cycle time units, rounding
// up.
func msToTime(ms uint32) uint32 {
	t := uint64(ms) * duty.UnitsPerSecond
	return uint32((t + 999) / 1000)
}

func (d *Device) msToTicks(ms uint32) uint32 {
	t := uint64(ms) * uint64(d.cfg.TPS)
	return uint32((t + 999) / 1000)
}
