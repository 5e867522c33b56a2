package mac

import (
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/session"
)

// Event is the sum type delivered to the application's Handler. Events
// fire only from within Process, never from an interrupt.
type Event interface {
	event()
}

// Handler receives the events the MAC emits. Implementations must not
// re-enter the Device that delivered the event.
type Handler interface {
	HandleEvent(Event)
}

// EventEntropy delivers the wideband-noise sample gathered by
// Entropy().
type EventEntropy struct {
	Value uint32
}

// EventChannelReady signals that a duty-cycle constrained channel has
// become usable again.
type EventChannelReady struct{}

// EventOpError reports a radio fault: the radio failed to respond
// within twice the expected airtime, or reported a status inconsistent
// with the current state. The radio has been reset and the MAC
// returned to idle.
type EventOpError struct{}

// EventOpCancelled is emitted exactly once per operation aborted by
// Cancel or Forget.
type EventOpCancelled struct{}

// EventJoinComplete reports a successful OTAA join.
type EventJoinComplete struct {
	JoinNonce uint32
	NetID     lorawan.NetID
	DevAddr   lorawan.DevAddr
}

// EventDevNonceUpdated is emitted before the join transmission whose
// nonce it describes, so the application can persist the next nonce.
type EventDevNonceUpdated struct {
	NextDevNonce uint32
}

// EventJoinExhausted reports that the DevNonce space is spent; OTAA
// cannot proceed until the device is re-initialized with a new
// JoinEUI.
type EventJoinExhausted struct{}

// EventDataComplete reports a completed data service: the uplink was
// sent (and, for confirmed data, acknowledged).
type EventDataComplete struct{}

// EventDataTimeout reports a confirmed uplink that exhausted its
// retries without an acknowledgment.
type EventDataTimeout struct{}

// EventRx delivers a downlink application payload.
type EventRx struct {
	Port uint8
	Data []byte
}

// EventLinkStatus delivers the network's answer to a LinkCheckReq.
type EventLinkStatus struct {
	Margin  uint8
	GwCount uint8
}

// EventSessionUpdated hands the application a snapshot of the session
// after any state-changing update, for persistence across restarts.
type EventSessionUpdated struct {
	Session session.Session
}

// EventDeviceTime delivers the lag-compensated network time from a
// DeviceTimeAns.
type EventDeviceTime struct {
	Seconds   uint32
	Fractions uint8
}

func (EventEntropy) event()         {}
func (EventChannelReady) event()    {}
func (EventOpError) event()         {}
func (EventOpCancelled) event()     {}
func (EventJoinComplete) event()    {}
func (EventDevNonceUpdated) event() {}
func (EventJoinExhausted) event()   {}
func (EventDataComplete) event()    {}
func (EventDataTimeout) event()     {}
func (EventRx) event()              {}
func (EventLinkStatus) event()      {}
func (EventSessionUpdated) event()  {}
func (EventDeviceTime) event()      {}
