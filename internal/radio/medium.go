package radio

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

var (
	// ErrBusy is returned when the transceiver is already transmitting
	ErrBusy = errors.New("transceiver busy")
	// ErrDutyCycle is returned when the sub-band of the channel is in its off period
	ErrDutyCycle = errors.New("duty cycle limit reached")
	// ErrMissingPhyTag is returned for frames without radio parameters
	ErrMissingPhyTag = errors.New("frame has no phy tag")
	// ErrInvalidChannel is returned for channel indices outside the region plan
	ErrInvalidChannel = errors.New("invalid channel")
)

// Role tells which direction a transceiver listens in
type Role int

const (
	// RoleGateway receives every uplink on every channel
	RoleGateway Role = iota
	// RoleEndDevice receives downlinks only inside its open receive window
	RoleEndDevice
)

func (r Role) String() string {
	if r == RoleGateway {
		return "gateway"
	}
	return "end-device"
}

// Receiver is called with a private copy of every frame delivered to a transceiver
type Receiver func(f *Frame)

// Medium is the shared channel every transceiver is attached to. It has no
// propagation or collision model: a frame reaches every gateway (uplink) or
// every end device listening on its channel and data rate when it starts
// (downlink). Receivers may lose frames with a configured probability.
type Medium struct {
	sched  *sim.Scheduler
	region *lorawan.RegionConfiguration
	rnd    *rand.Rand
	// chance a receiver misses a frame
	dropProb float64

	gateways []*Transceiver
	devices  []*Transceiver
	inFlight []*Frame

	logger zerolog.Logger
}

// NewMedium creates a medium driven by sched
func NewMedium(sched *sim.Scheduler, region *lorawan.RegionConfiguration, rnd *rand.Rand, dropProbability float64) *Medium {
	return &Medium{
		sched:    sched,
		region:   region,
		rnd:      rnd,
		dropProb: dropProbability,
		logger:   log.With().Str("component", "medium").Logger(),
	}
}

// Region returns the channel plan of the medium
func (m *Medium) Region() *lorawan.RegionConfiguration {
	return m.region
}

// Attach connects a new transceiver. Frames are delivered to transceivers in
// attach order.
func (m *Medium) Attach(id string, role Role, rx Receiver) *Transceiver {
	t := &Transceiver{
		id:     id,
		role:   role,
		medium: m,
		rx:     rx,
		duty:   NewDutyCycle(m.region),
	}
	if role == RoleGateway {
		m.gateways = append(m.gateways, t)
	} else {
		m.devices = append(m.devices, t)
	}
	return t
}

func (m *Medium) dropped() bool {
	return m.dropProb > 0 && m.rnd.Float64() < m.dropProb
}

func (m *Medium) transmit(from *Transceiver, f *Frame, airtime time.Duration) {
	now := m.sched.Now()
	f.Sender = from.id
	f.TxStart = now
	f.TxEnd = now + airtime

	if from.role == RoleEndDevice {
		m.sched.At(f.TxEnd, func() {
			for _, gw := range m.gateways {
				if m.dropped() {
					m.logger.Debug().Str("gateway", gw.id).Str("sender", f.Sender).Msg("uplink lost")
					continue
				}
				if gw.rx != nil {
					gw.rx(f.Clone())
				}
			}
		})
		return
	}

	m.inFlight = append(m.inFlight, f)
	for _, dev := range m.devices {
		dev.detect(f)
	}
	m.sched.At(f.TxEnd, func() {
		m.removeInFlight(f)
	})
}

func (m *Medium) removeInFlight(f *Frame) {
	for i, g := range m.inFlight {
		if g == f {
			m.inFlight = append(m.inFlight[:i], m.inFlight[i+1:]...)
			return
		}
	}
}

// Transceiver is the radio of one node
type Transceiver struct {
	id     string
	role   Role
	medium *Medium
	rx     Receiver
	duty   *DutyCycle

	busyUntil time.Duration

	listening  bool
	listenCh   uint8
	listenDR   uint8
	listenFrom time.Duration
	listenTo   time.Duration
	locked     *Frame
}

// ID returns the transceiver identifier
func (t *Transceiver) ID() string {
	return t.id
}

// DutyCycle returns the sub-band tracker of the transceiver
func (t *Transceiver) DutyCycle() *DutyCycle {
	return t.duty
}

// CanSendNow reports whether a transmission on channel could start right
// now: the radio is idle and the sub-band is not in its off period.
func (t *Transceiver) CanSendNow(channel, dataRate uint8) bool {
	if int(channel) >= len(t.medium.region.DefaultChannels) || int(dataRate) >= len(t.medium.region.DataRates) {
		return false
	}
	now := t.medium.sched.Now()
	if now < t.busyUntil {
		return false
	}
	return t.duty.Available(channel, now)
}

// Airtime returns the time on air of f given its phy tag
func (t *Transceiver) Airtime(f *Frame) (time.Duration, error) {
	phy, ok := f.Phy()
	if !ok {
		return 0, ErrMissingPhyTag
	}
	dr, err := t.medium.region.DataRate(phy.DataRate)
	if err != nil {
		return 0, err
	}
	preamble := phy.Preamble
	if preamble == 0 {
		preamble = lorawan.DefaultPreambleLength
	}
	cr := int(phy.CodeRate)
	if cr == 0 {
		cr = 1
	}
	// beacons carry no MAC framing and no CRC
	crc := true
	n := f.Len() + lorawan.MACOverhead
	if mt, ok := f.MType(); ok && mt == lorawan.BeaconFrame {
		crc = false
		n = f.Len()
	}
	return lorawan.TimeOnAir(dr.Params(cr, preamble, crc), n), nil
}

// Transmit puts f on the air, returning its airtime. The frame must carry a
// phy tag and the channel must be available.
func (t *Transceiver) Transmit(f *Frame) (time.Duration, error) {
	phy, ok := f.Phy()
	if !ok {
		return 0, ErrMissingPhyTag
	}
	if int(phy.Channel) >= len(t.medium.region.DefaultChannels) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, phy.Channel)
	}
	airtime, err := t.Airtime(f)
	if err != nil {
		return 0, err
	}

	now := t.medium.sched.Now()
	if now < t.busyUntil {
		return 0, ErrBusy
	}
	if !t.duty.Available(phy.Channel, now) {
		return 0, ErrDutyCycle
	}

	t.busyUntil = now + airtime
	t.duty.Register(phy.Channel, now, airtime)
	// a half-duplex radio stops listening while it transmits
	t.listening = false
	t.medium.transmit(t, f, airtime)
	return airtime, nil
}

// StartReceiving opens a receive window of the given length on channel and
// data rate. A downlink whose transmission starts inside the window is
// locked onto and delivered when it ends.
func (t *Transceiver) StartReceiving(channel, dataRate uint8, window time.Duration) {
	now := t.medium.sched.Now()
	t.listening = true
	t.listenCh = channel
	t.listenDR = dataRate
	t.listenFrom = now
	t.listenTo = now + window

	// frames that started at this very instant
	for _, f := range t.medium.inFlight {
		if f.TxStart == now {
			t.detect(f)
		}
	}
}

// StopReceiving closes the receive window. A frame already locked onto is
// still delivered.
func (t *Transceiver) StopReceiving() {
	t.listening = false
}

// Receiving reports whether a frame is being received and when it ends
func (t *Transceiver) Receiving() (time.Duration, bool) {
	if t.locked == nil {
		return 0, false
	}
	return t.locked.TxEnd, true
}

func (t *Transceiver) detect(f *Frame) {
	if !t.listening || t.locked != nil {
		return
	}
	phy, ok := f.Phy()
	if !ok || phy.Channel != t.listenCh || phy.DataRate != t.listenDR {
		return
	}
	if f.TxStart < t.listenFrom || f.TxStart > t.listenTo {
		return
	}
	if t.medium.dropped() {
		t.medium.logger.Debug().Str("device", t.id).Str("sender", f.Sender).Msg("downlink lost")
		return
	}

	t.locked = f
	t.medium.sched.At(f.TxEnd, func() {
		if t.locked != f {
			return
		}
		t.locked = nil
		t.listening = false
		if t.rx != nil {
			t.rx(f.Clone())
		}
	})
}
