package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Uplink classifications
const (
	UplinkNew            = "new"
	UplinkDuplicate      = "duplicate"
	UplinkRetransmission = "retransmission"
)

// Downlink windows
const (
	WindowRW1    = "rw1"
	WindowRW2    = "rw2"
	WindowPing   = "ping"
	WindowBeacon = "beacon"
)

// Ping slot outcomes
const (
	PingUsed      = "used"
	PingCollision = "collision"
	PingDutyCycle = "duty_cycle"
	PingEmpty     = "empty"
)

// Downlink classes and beacon results
const (
	ClassA       = "class_a"
	ClassB       = "class_b"
	BeaconSent   = "sent"
	BeaconFailed = "failed"
)

// Collector exposes the simulator's Prometheus metrics. All methods are safe
// to call on a nil collector.
type Collector struct {
	gatherer prometheus.Gatherer

	InvariantViolations *prometheus.CounterVec
	Uplinks             *prometheus.CounterVec
	DownlinksSent       *prometheus.CounterVec
	WindowMisses        *prometheus.CounterVec
	DownlinksGenerated  *prometheus.CounterVec
	DownlinksAcked      prometheus.Counter
	DownlinksDropped    prometheus.Counter
	Beacons             *prometheus.CounterVec
	PingSlots           *prometheus.CounterVec
	DeviceUplinks       prometheus.Counter
	DeviceDownlinks     *prometheus.CounterVec
	MissedBeacons       prometheus.Counter
	ClassBReversions    prometheus.Counter
	SimTime             prometheus.Gauge
	ClassBDevices       prometheus.Gauge
	RunDuration         prometheus.Histogram
}

// NewCollector registers the simulator metrics against reg, or the default
// registerer when reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.InvariantViolations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invariant_violations_total",
		Help: "Protocol invariant violations detected during the run.",
	}, []string{"kind"}), "invariant_violations_total"); err != nil {
		return nil, err
	}
	if c.Uplinks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_ns_uplinks_total",
		Help: "Uplinks received by the network server, by classification.",
	}, []string{"class"}), "lorawan_ns_uplinks_total"); err != nil {
		return nil, err
	}
	if c.DownlinksSent, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_ns_downlinks_sent_total",
		Help: "Downlinks transmitted by the network server, by receive window.",
	}, []string{"window"}), "lorawan_ns_downlinks_sent_total"); err != nil {
		return nil, err
	}
	if c.WindowMisses, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_ns_window_misses_total",
		Help: "Receive windows with pending data but no available gateway.",
	}, []string{"window"}), "lorawan_ns_window_misses_total"); err != nil {
		return nil, err
	}
	if c.DownlinksGenerated, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_ns_downlinks_generated_total",
		Help: "Downlink payloads queued by the network server, by device class.",
	}, []string{"class"}), "lorawan_ns_downlinks_generated_total"); err != nil {
		return nil, err
	}
	if c.DownlinksAcked, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorawan_ns_downlinks_acked_total",
		Help: "Confirmed downlinks acknowledged by a device.",
	}), "lorawan_ns_downlinks_acked_total"); err != nil {
		return nil, err
	}
	if c.DownlinksDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorawan_ns_downlinks_dropped_total",
		Help: "Confirmed downlinks removed after exhausting their transmissions.",
	}), "lorawan_ns_downlinks_dropped_total"); err != nil {
		return nil, err
	}
	if c.Beacons, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_beacons_total",
		Help: "Beacon transmissions per gateway, by result.",
	}, []string{"result"}), "lorawan_beacons_total"); err != nil {
		return nil, err
	}
	if c.PingSlots, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_ping_slots_total",
		Help: "Class B ping slot outcomes at the network server.",
	}, []string{"outcome"}), "lorawan_ping_slots_total"); err != nil {
		return nil, err
	}
	if c.DeviceUplinks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorawan_device_uplinks_total",
		Help: "Uplinks transmitted by end devices.",
	}), "lorawan_device_uplinks_total"); err != nil {
		return nil, err
	}
	if c.DeviceDownlinks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_device_downlinks_total",
		Help: "Downlinks received by end devices, by receive context.",
	}, []string{"window"}), "lorawan_device_downlinks_total"); err != nil {
		return nil, err
	}
	if c.MissedBeacons, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorawan_device_missed_beacons_total",
		Help: "Beacons Class B devices failed to receive.",
	}), "lorawan_device_missed_beacons_total"); err != nil {
		return nil, err
	}
	if c.ClassBReversions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorawan_device_class_b_reversions_total",
		Help: "Devices that fell back to Class A after losing beacon synchronisation.",
	}), "lorawan_device_class_b_reversions_total"); err != nil {
		return nil, err
	}
	if c.SimTime, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_time_seconds",
		Help: "Current virtual time of the simulation.",
	}), "sim_time_seconds"); err != nil {
		return nil, err
	}
	if c.ClassBDevices, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lorawan_ns_class_b_devices",
		Help: "Devices currently in Class B mode as seen by the network server.",
	}), "lorawan_ns_class_b_devices"); err != nil {
		return nil, err
	}
	if c.RunDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_run_duration_seconds",
		Help:    "Wall clock duration of simulation runs.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}), "sim_run_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler returns an http.Handler serving the collector's metrics
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// InvariantViolation counts one protocol invariant violation
func (c *Collector) InvariantViolation(kind string) {
	if c == nil {
		return
	}
	c.InvariantViolations.WithLabelValues(kind).Inc()
}

// Uplink counts a received uplink by classification
func (c *Collector) Uplink(class string) {
	if c == nil {
		return
	}
	c.Uplinks.WithLabelValues(class).Inc()
}

// DownlinkSent counts a transmitted downlink
func (c *Collector) DownlinkSent(window string) {
	if c == nil {
		return
	}
	c.DownlinksSent.WithLabelValues(window).Inc()
}

// WindowMissed counts a receive window that could not be served
func (c *Collector) WindowMissed(window string) {
	if c == nil {
		return
	}
	c.WindowMisses.WithLabelValues(window).Inc()
}

// DownlinkGenerated counts a generated downlink for ClassA or ClassB
func (c *Collector) DownlinkGenerated(class string) {
	if c == nil {
		return
	}
	c.DownlinksGenerated.WithLabelValues(class).Inc()
}

// DownlinkAcked counts an acknowledged confirmed downlink
func (c *Collector) DownlinkAcked() {
	if c == nil {
		return
	}
	c.DownlinksAcked.Inc()
}

// DownlinkDropped counts a confirmed downlink given up on
func (c *Collector) DownlinkDropped() {
	if c == nil {
		return
	}
	c.DownlinksDropped.Inc()
}

// Beacon counts a beacon transmission attempt, result "sent" or "failed"
func (c *Collector) Beacon(result string) {
	if c == nil {
		return
	}
	c.Beacons.WithLabelValues(result).Inc()
}

// PingSlot counts a ping slot outcome
func (c *Collector) PingSlot(outcome string) {
	if c == nil {
		return
	}
	c.PingSlots.WithLabelValues(outcome).Inc()
}

// DeviceUplink counts an uplink sent by an end device
func (c *Collector) DeviceUplink() {
	if c == nil {
		return
	}
	c.DeviceUplinks.Inc()
}

// DeviceDownlink counts a downlink received by an end device
func (c *Collector) DeviceDownlink(window string) {
	if c == nil {
		return
	}
	c.DeviceDownlinks.WithLabelValues(window).Inc()
}

// MissedBeacon counts a beacon a device did not receive
func (c *Collector) MissedBeacon() {
	if c == nil {
		return
	}
	c.MissedBeacons.Inc()
}

// ClassBReversion counts a device falling back to Class A
func (c *Collector) ClassBReversion() {
	if c == nil {
		return
	}
	c.ClassBReversions.Inc()
}

// SetSimTime updates the virtual time gauge
func (c *Collector) SetSimTime(d time.Duration) {
	if c == nil {
		return
	}
	c.SimTime.Set(d.Seconds())
}

// SetClassBDevices updates the Class B device gauge
func (c *Collector) SetClassBDevices(n int) {
	if c == nil {
		return
	}
	c.ClassBDevices.Set(float64(n))
}

// ObserveRun records the wall clock duration of a run
func (c *Collector) ObserveRun(d time.Duration) {
	if c == nil {
		return
	}
	c.RunDuration.Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
