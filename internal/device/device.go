package device

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/internal/traffic"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

const (
	DefaultReceiveDelay1   = time.Second
	DefaultReceiveDelay2   = 2 * time.Second
	DefaultWindowLength    = 100 * time.Millisecond
	DefaultPacketSize      = 21
	DefaultDataRate        = 5
	DefaultFPort           = 1
	DefaultPingPeriodicity = 6
)

// State is the MAC state of an end device
type State int

const (
	StateIdle State = iota
	StateAwaitingRW1
	StateAwaitingRW2
	StateBeaconRX
	StateClassBPing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRW1:
		return "rw1"
	case StateAwaitingRW2:
		return "rw2"
	case StateBeaconRX:
		return "beacon"
	case StateClassBPing:
		return "class-b-ping"
	default:
		return "unknown"
	}
}

// NetDevice is the radio an end device transmits and listens with.
// *radio.Transceiver implements it.
type NetDevice interface {
	CanSendNow(channel, dataRate uint8) bool
	Transmit(f *radio.Frame) (time.Duration, error)
	StartReceiving(channel, dataRate uint8, window time.Duration)
	StopReceiving()
	// Receiving reports whether a frame has been locked onto and when it ends
	Receiving() (time.Duration, bool)
}

var _ NetDevice = (*radio.Transceiver)(nil)

// Options configures an end device
type Options struct {
	Addr   lorawan.DevAddr
	RunID  uuid.UUID
	Region *lorawan.RegionConfiguration

	DataRate      uint8
	Confirmed     bool
	PacketSize    int
	FPort         uint8
	ReceiveDelay1 time.Duration
	ReceiveDelay2 time.Duration
	WindowLength  time.Duration
	RX1DROffset   uint8
	// interval of the uplink cycle and offset of the uplink within it, in seconds
	UpstreamIAT  sim.Distribution
	UpstreamSend sim.Distribution
	// stop sending once this many bytes went out, 0 for no limit
	MaxBytes uint64

	ClassB          bool
	PingPeriodicity uint8
	ClassBDataRate  uint8

	Counter   *traffic.Counter
	Rand      *rand.Rand
	Metrics   *metrics.Collector
	Publisher events.Publisher
}

func (o *Options) setDefaults() {
	if o.Region == nil {
		o.Region = lorawan.MustRegion("EU868")
	}
	if o.PacketSize == 0 {
		o.PacketSize = DefaultPacketSize
	}
	if o.FPort == 0 {
		o.FPort = DefaultFPort
	}
	if o.ReceiveDelay1 == 0 {
		o.ReceiveDelay1 = DefaultReceiveDelay1
	}
	if o.ReceiveDelay2 == 0 {
		o.ReceiveDelay2 = DefaultReceiveDelay2
	}
	if o.WindowLength == 0 {
		o.WindowLength = DefaultWindowLength
	}
	if o.UpstreamIAT == nil {
		o.UpstreamIAT = sim.Constant{Value: 900}
	}
	if o.UpstreamSend == nil {
		o.UpstreamSend = sim.Uniform{Min: 0, Max: 900}
	}
	if o.PingPeriodicity == 0 {
		o.PingPeriodicity = DefaultPingPeriodicity
	}
	if o.Counter == nil {
		o.Counter = traffic.NewCounter()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(1))
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
}

type deviceStats struct {
	attempted     uint64
	bytesSent     uint64
	bytesReceived uint64
	rx1           uint64
	rx2           uint64
	classBDown    uint64
	beacons       uint64
	missedBeacons uint64
}

// EndDevice is the MAC of one end device. It sends uplinks on its own
// schedule, opens the Class A receive windows after each of them and, in
// Class B, follows the beacon and opens its ping slots.
type EndDevice struct {
	mu sync.Mutex

	sched  *sim.Scheduler
	opts   Options
	region *lorawan.RegionConfiguration
	radio  NetDevice
	logger zerolog.Logger

	state  State
	fCntUp uint32
	setAck bool
	// an uplink came due while the radio was busy
	pendingUplink bool
	stopped       bool

	uplinkChannel uint8
	rw2Timer      *sim.Timer
	windowTimer   *sim.Timer
	sendTimer     *sim.Timer
	txTimer       *sim.Timer

	isClassB  bool
	pingSlots int
	// start of the current beacon period, received or extrapolated
	beaconTimestamp time.Duration
	beaconReceived  bool
	missedBeacons   int
	beaconTimer     *sim.Timer
	pingScheduler   *sim.Timer
	pingTimers      []*sim.Timer

	stats deviceStats
}

// New creates an end device. The device is silent until Connect and Start.
func New(sched *sim.Scheduler, opts Options) *EndDevice {
	if sched == nil {
		panic("device: nil scheduler")
	}
	opts.setDefaults()
	return &EndDevice{
		sched:  sched,
		opts:   opts,
		region: opts.Region,
		logger: log.With().Str("component", "end-device").Str("devAddr", opts.Addr.String()).Logger(),
	}
}

// Connect sets the radio of the device
func (d *EndDevice) Connect(nd NetDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.radio = nd
}

// Addr returns the device address
func (d *EndDevice) Addr() lorawan.DevAddr {
	return d.opts.Addr
}

// Start begins the uplink cycle and, for Class B devices, beacon tracking.
// The first beacon is expected at the next beacon period boundary.
func (d *EndDevice) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelUplinkTimers()
	d.stopped = false

	if d.opts.ClassB {
		d.isClassB = true
		d.pingSlots = lorawan.NumPingSlots(d.opts.PingPeriodicity)

		now := d.sched.Now()
		next := (now/lorawan.BeaconPeriod + 1) * lorawan.BeaconPeriod
		d.beaconTimer = d.at(next, d.receiveBeacon)
		d.logger.Debug().Dur("at", next).Int("pingSlots", d.pingSlots).Msg("class B beacon scheduled")
	}

	d.scheduleNextTx()
}

// Stop cancels every pending timer of the device
func (d *EndDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
}

func (d *EndDevice) stop() {
	d.stopped = true
	d.cancelUplinkTimers()
	d.sched.Cancel(d.beaconTimer)
	d.sched.Cancel(d.pingScheduler)
	d.cancelPingTimers()
}

func (d *EndDevice) cancelUplinkTimers() {
	d.sched.Cancel(d.sendTimer)
	d.sched.Cancel(d.txTimer)
}

func (d *EndDevice) cancelPingTimers() {
	for _, t := range d.pingTimers {
		d.sched.Cancel(t)
	}
	d.pingTimers = d.pingTimers[:0]
}

// at schedules f at an absolute time with the device lock held
func (d *EndDevice) at(when time.Duration, f func()) *sim.Timer {
	return d.sched.At(when, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		f()
	})
}

func (d *EndDevice) after(delay time.Duration, f func()) *sim.Timer {
	return d.at(d.sched.Now()+delay, f)
}

// goIdle returns the radio to idle and sends an uplink that came due while
// it was busy.
func (d *EndDevice) goIdle() {
	d.state = StateIdle
	if d.pendingUplink && !d.stopped {
		d.pendingUplink = false
		d.sendPacket()
	}
}

// State returns the current MAC state
func (d *EndDevice) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsClassB reports whether the device still operates in Class B
func (d *EndDevice) IsClassB() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isClassB
}

// Summary returns the device counters
func (d *EndDevice) Summary() models.EndDeviceSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.EndDeviceSummary{
		DevAddr:        d.opts.Addr.String(),
		IsClassB:       d.isClassB,
		UplinksSent:    d.stats.attempted,
		BytesAttempted: d.stats.bytesSent,
		BytesReceived:  d.stats.bytesReceived,
		RX1:            d.stats.rx1,
		RX2:            d.stats.rx2,
		ClassBDown:     d.stats.classBDown,
		Beacons:        d.stats.beacons,
		MissedBeacons:  d.stats.missedBeacons,
		FCntUp:         d.fCntUp,
	}
}

func (d *EndDevice) emit(typ models.EventType, level models.EventLevel, desc string, details models.Variables) {
	e := models.NewEvent(d.opts.RunID, d.sched.Now(), typ, level)
	e.DevAddr = d.opts.Addr.String()
	e.Description = desc
	for k, v := range details {
		e.Details[k] = v
	}
	if err := d.opts.Publisher.Publish(e); err != nil {
		d.logger.Warn().Err(err).Str("type", string(typ)).Msg("publish event")
	}
}
