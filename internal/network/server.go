package network

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/internal/traffic"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

const (
	DefaultReceiveDelay1   = time.Second
	DefaultReceiveDelay2   = 2 * time.Second
	DefaultDedupWindow     = time.Second
	DefaultPacketSize      = 21
	DefaultDSTransmissions = 4
	DefaultPingPeriodicity = 6
)

// Options configures the network server
type Options struct {
	RunID  uuid.UUID
	Region *lorawan.RegionConfiguration

	ReceiveDelay1 time.Duration
	ReceiveDelay2 time.Duration
	// uplinks of the same frame counter within this window are duplicates
	DedupWindow time.Duration

	// Class A downlink generation
	GenerateDataDown  bool
	ConfirmedDataDown bool
	PacketSize        int
	DSTransmissions   int
	DownstreamIAT     sim.Distribution
	RX1DROffset       uint8

	// Class B downlink generation
	GenerateClassBDataDown bool
	ClassBPacketSize       int
	ClassBDownstreamIAT    sim.Distribution
	ClassBDownstream       sim.Distribution
	ClassBDataRate         uint8
	PingPeriodicity        uint8

	Counter   *traffic.Counter
	Rand      *rand.Rand
	Metrics   *metrics.Collector
	Publisher events.Publisher
}

func (o *Options) setDefaults() {
	if o.Region == nil {
		o.Region = lorawan.MustRegion("EU868")
	}
	if o.ReceiveDelay1 == 0 {
		o.ReceiveDelay1 = DefaultReceiveDelay1
	}
	if o.ReceiveDelay2 == 0 {
		o.ReceiveDelay2 = DefaultReceiveDelay2
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.PacketSize == 0 {
		o.PacketSize = DefaultPacketSize
	}
	if o.ClassBPacketSize == 0 {
		o.ClassBPacketSize = DefaultPacketSize
	}
	if o.DSTransmissions <= 0 {
		o.DSTransmissions = DefaultDSTransmissions
	}
	if o.DownstreamIAT == nil {
		o.DownstreamIAT = sim.Exponential{Mean: 10}
	}
	if o.ClassBDownstreamIAT == nil {
		o.ClassBDownstreamIAT = sim.Constant{Value: 9000}
	}
	if o.ClassBDownstream == nil {
		o.ClassBDownstream = sim.Uniform{Min: 0, Max: 9000}
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

// Server is the network server. It owns every device session, classifies
// uplinks, drives the receive windows and schedules Class B beacons and ping
// slots. All callbacks run on the scheduler goroutine; the mutex only guards
// against readers on other goroutines.
type Server struct {
	mu sync.Mutex

	sched  *sim.Scheduler
	opts   Options
	region *lorawan.RegionConfiguration
	logger zerolog.Logger

	sessions map[lorawan.DevAddr]*DeviceSession
	// registration order, used wherever iteration order matters
	order    []lorawan.DevAddr
	gateways []Gateway

	beaconTimer    *sim.Timer
	beacons        uint64
	beaconFailures uint64
	violations     uint64
}

// NewServer creates a network server driven by sched. It panics when sched is nil.
func NewServer(sched *sim.Scheduler, opts Options) *Server {
	if sched == nil {
		panic("network: nil scheduler")
	}
	opts.setDefaults()
	return &Server{
		sched:    sched,
		opts:     opts,
		region:   opts.Region,
		logger:   log.With().Str("component", "network-server").Logger(),
		sessions: make(map[lorawan.DevAddr]*DeviceSession),
	}
}

// RegisterGateway makes gw known to the server, so it sends beacons
func (s *Server) RegisterGateway(gw Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addGateway(gw)
}

func (s *Server) addGateway(gw Gateway) {
	for _, g := range s.gateways {
		if g.ID() == gw.ID() {
			return
		}
	}
	s.gateways = append(s.gateways, gw)
	s.logger.Debug().Str("gateway", gw.ID()).Msg("gateway registered")
}

// RegisterDevice creates the session of a known device ahead of its first uplink
func (s *Server) RegisterDevice(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[addr]; ok {
		return
	}
	s.newSession(addr)
}

// AssignInitialGateway registers gw and makes it the downlink gateway of
// every device that has not been heard yet.
func (s *Server) AssignInitialGateway(gw Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addGateway(gw)
	for _, addr := range s.order {
		sess := s.sessions[addr]
		if len(sess.LastGateways) == 0 {
			sess.LastGateways = append(sess.LastGateways, gw)
		}
	}
}

func (s *Server) newSession(addr lorawan.DevAddr) *DeviceSession {
	sess := &DeviceSession{
		Addr:            addr,
		RX1DROffset:     s.opts.RX1DROffset,
		PingPeriodicity: s.opts.PingPeriodicity,
		ClassBChannel:   s.region.PingChannel,
		ClassBDataRate:  s.opts.ClassBDataRate,
		ClassBCodeRate:  1,
	}
	s.sessions[addr] = sess
	s.order = append(s.order, addr)

	if s.opts.GenerateDataDown {
		d := sim.Seconds(s.opts.DownstreamIAT.Sample(s.opts.Rand))
		sess.dsTimer = s.sched.Schedule(d, func() { s.dsTimerExpired(addr) })
		s.logger.Debug().Str("devAddr", addr.String()).Dur("in", d).Msg("downlink generator scheduled")
	}
	return sess
}

// session looks up a device from an internal callback. A missing device is
// an invariant violation.
func (s *Server) session(addr lorawan.DevAddr, where string) (*DeviceSession, bool) {
	sess, ok := s.sessions[addr]
	if !ok {
		s.violation("unknown_device", where, addr)
	}
	return sess, ok
}

// violation logs and counts a broken internal invariant. The simulation continues.
func (s *Server) violation(kind, msg string, addr lorawan.DevAddr) {
	s.violations++
	s.opts.Metrics.InvariantViolation(kind)
	s.logger.Error().
		Str("kind", kind).
		Str("devAddr", addr.String()).
		Dur("simTime", s.sched.Now()).
		Msg(msg)
	s.emit(models.EventTypeError, models.EventLevelError, addr, "", msg, models.Variables{"kind": kind})
}

func (s *Server) emit(typ models.EventType, level models.EventLevel, addr lorawan.DevAddr, gatewayID, desc string, details models.Variables) {
	e := models.NewEvent(s.opts.RunID, s.sched.Now(), typ, level)
	e.DevAddr = addr.String()
	e.GatewayID = gatewayID
	e.Description = desc
	if details != nil {
		e.Details = details
	}
	if err := s.opts.Publisher.Publish(e); err != nil {
		s.logger.Debug().Err(err).Str("type", string(typ)).Msg("publish event failed")
	}
}

// EnqueueDownlink appends an application downlink to the Class A queue, or
// the Class B queue when classB is set. It is safe to call while the
// simulation runs.
func (s *Server) EnqueueDownlink(addr lorawan.DevAddr, payload []byte, fPort uint8, confirmed, classB bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[addr]
	if !ok {
		return ErrUnknownDevice
	}
	e := DownlinkElement{
		Payload:   append([]byte(nil), payload...),
		FPort:     fPort,
		MType:     lorawan.UnconfirmedDataDown,
		Remaining: 1,
	}
	if confirmed && !classB {
		e.MType = lorawan.ConfirmedDataDown
		e.Remaining = s.opts.DSTransmissions
	}
	if classB {
		sess.ClassBQueue = append(sess.ClassBQueue, e)
	} else {
		sess.Queue = append(sess.Queue, e)
	}
	s.logger.Info().
		Str("devAddr", addr.String()).
		Str("mType", e.MType.String()).
		Bool("classB", classB).
		Int("size", len(payload)).
		Msg("downlink enqueued")
	return nil
}

// Session returns a view of one device session
func (s *Server) Session(addr lorawan.DevAddr) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[addr]
	if !ok {
		return SessionInfo{}, ErrUnknownDevice
	}
	return sess.info(), nil
}

// Sessions returns a view of every session in registration order
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.sessions[addr].info())
	}
	return out
}

// Summary returns the per device counters sorted by address, and the network totals
func (s *Server) Summary() ([]models.DeviceSummary, models.NetworkTotals) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DeviceSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DevAddr < out[j].DevAddr })
	return out, models.NetworkTotals{
		Beacons:             s.beacons,
		BeaconFailures:      s.beaconFailures,
		InvariantViolations: s.violations,
	}
}

// ClassBDevices returns the number of devices in Class B mode
func (s *Server) ClassBDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.IsClassB {
			n++
		}
	}
	return n
}
