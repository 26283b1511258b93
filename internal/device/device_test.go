package device

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

var testAddr = lorawan.DevAddrFromUint32(0x26011BDA)

type window struct {
	at       time.Duration
	channel  uint8
	dataRate uint8
	length   time.Duration
}

// spyRadio records every receive window opened through it
type spyRadio struct {
	*radio.Transceiver
	sched   *sim.Scheduler
	windows []window
}

func (s *spyRadio) StartReceiving(channel, dataRate uint8, length time.Duration) {
	s.windows = append(s.windows, window{at: s.sched.Now(), channel: channel, dataRate: dataRate, length: length})
	s.Transceiver.StartReceiving(channel, dataRate, length)
}

func (s *spyRadio) windowsOf(length time.Duration, channel, dataRate uint8) []window {
	var out []window
	for _, w := range s.windows {
		if w.length == length && w.channel == channel && w.dataRate == dataRate {
			out = append(out, w)
		}
	}
	return out
}

type harness struct {
	sched  *sim.Scheduler
	medium *radio.Medium
	gw     *radio.Transceiver
	dev    *EndDevice
	spy    *spyRadio
	// uplinks as received by the gateway
	uplinks []*radio.Frame
	onUp    func(f *radio.Frame)
	events  []*models.Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sched: sim.NewScheduler()}
	h.medium = radio.NewMedium(h.sched, lorawan.MustRegion("EU868"), rand.New(rand.NewSource(1)), 0)
	h.gw = h.medium.Attach("gw1", radio.RoleGateway, func(f *radio.Frame) {
		h.uplinks = append(h.uplinks, f)
		if h.onUp != nil {
			h.onUp(f)
		}
	})

	opts.Addr = testAddr
	opts.Publisher = events.Func(func(e *models.Event) error {
		h.events = append(h.events, e)
		return nil
	})
	h.dev = New(h.sched, opts)
	h.spy = &spyRadio{
		Transceiver: h.medium.Attach("dev1", radio.RoleEndDevice, h.dev.HandleDownlink),
		sched:       h.sched,
	}
	h.dev.Connect(h.spy)
	return h
}

func (h *harness) run(t *testing.T, until time.Duration) {
	t.Helper()
	require.NoError(t, h.sched.RunUntil(context.Background(), until))
}

func (h *harness) eventsOf(typ models.EventType) []*models.Event {
	var out []*models.Event
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decodeUplink(t *testing.T, f *radio.Frame) lorawan.UplinkFrameHeader {
	t.Helper()
	var hdr lorawan.UplinkFrameHeader
	_, err := hdr.UnmarshalBinary(f.Payload, true)
	require.NoError(t, err)
	return hdr
}

func downlinkFrame(t *testing.T, fCnt uint16, ch, dr uint8, mt lorawan.MType) *radio.Frame {
	t.Helper()
	hb, err := lorawan.DownlinkFrameHeader{DevAddr: testAddr, FCnt: fCnt, FPort: lorawan.Port(1)}.MarshalBinary()
	require.NoError(t, err)
	f := radio.NewFrame([]byte{1, 2, 3, 4})
	f.PushHeader(hb)
	f.SetPhy(radio.PhyParams{Channel: ch, DataRate: dr, CodeRate: 1, Preamble: lorawan.DefaultPreambleLength})
	f.SetMType(mt)
	return f
}

func classAOptions() Options {
	return Options{
		DataRate:     5,
		UpstreamIAT:  sim.Constant{Value: 1000},
		UpstreamSend: sim.Constant{Value: 10},
	}
}

func TestUplinkAndReceiveWindows(t *testing.T) {
	h := newHarness(t, classAOptions())
	h.dev.Start()
	h.run(t, 20*time.Second)

	require.Len(t, h.uplinks, 1)
	up := h.uplinks[0]
	hdr := decodeUplink(t, up)
	assert.Equal(t, testAddr, hdr.DevAddr)
	assert.Equal(t, uint16(1), hdr.FCnt)
	assert.False(t, hdr.ClassB)
	assert.False(t, hdr.Ack)
	require.NotNil(t, hdr.FPort)
	assert.Equal(t, uint8(DefaultFPort), *hdr.FPort)

	mt, ok := up.MType()
	require.True(t, ok)
	assert.Equal(t, lorawan.UnconfirmedDataUp, mt)
	phy, ok := up.Phy()
	require.True(t, ok)
	assert.Contains(t, lorawan.MustRegion("EU868").UplinkChannels(), phy.Channel)

	// RW1 on the uplink channel, RW2 on the region RX2 channel
	require.Len(t, h.spy.windows, 2)
	assert.Equal(t, window{at: up.TxEnd + time.Second, channel: phy.Channel, dataRate: 5, length: DefaultWindowLength}, h.spy.windows[0])
	assert.Equal(t, window{at: up.TxEnd + 2*time.Second, channel: 7, dataRate: 0, length: DefaultWindowLength}, h.spy.windows[1])

	assert.Equal(t, StateIdle, h.dev.State())
	sum := h.dev.Summary()
	assert.Equal(t, uint64(1), sum.UplinksSent)
	assert.Equal(t, uint64(up.Len()), sum.BytesAttempted)
	assert.Equal(t, uint32(1), sum.FCntUp)
	assert.Len(t, h.eventsOf(models.EventTypeUSMsgTransmitted), 1)
}

func TestConfirmedDownlinkInRW1SetsAck(t *testing.T) {
	h := newHarness(t, classAOptions())
	h.onUp = func(f *radio.Frame) {
		if len(h.uplinks) > 1 {
			return
		}
		phy, _ := f.Phy()
		down := downlinkFrame(t, 1, phy.Channel, 5, lorawan.ConfirmedDataDown)
		h.sched.Schedule(time.Second, func() {
			_, err := h.gw.Transmit(down)
			assert.NoError(t, err)
		})
	}
	h.dev.Start()
	h.run(t, 2100*time.Second)

	require.Len(t, h.uplinks, 3)
	assert.False(t, decodeUplink(t, h.uplinks[0]).Ack)
	assert.True(t, decodeUplink(t, h.uplinks[1]).Ack)
	assert.False(t, decodeUplink(t, h.uplinks[2]).Ack)

	sum := h.dev.Summary()
	assert.Equal(t, uint64(1), sum.RX1)
	assert.Equal(t, uint64(0), sum.RX2)
	assert.Equal(t, uint64(4), sum.BytesReceived)

	// RW2 only opens after the second and third uplink
	assert.Len(t, h.spy.windowsOf(DefaultWindowLength, 7, 0), 2)

	received := h.eventsOf(models.EventTypeDSMsgReceived)
	require.Len(t, received, 1)
	assert.Equal(t, metrics.WindowRW1, received[0].Details["window"])
}

func TestDownlinkInRW2(t *testing.T) {
	h := newHarness(t, classAOptions())
	h.onUp = func(f *radio.Frame) {
		down := downlinkFrame(t, 1, 7, 0, lorawan.UnconfirmedDataDown)
		h.sched.Schedule(2*time.Second, func() {
			_, err := h.gw.Transmit(down)
			assert.NoError(t, err)
		})
	}
	h.dev.Start()
	h.run(t, 30*time.Second)

	sum := h.dev.Summary()
	assert.Equal(t, uint64(0), sum.RX1)
	assert.Equal(t, uint64(1), sum.RX2)
	assert.Equal(t, StateIdle, h.dev.State())

	require.Len(t, h.uplinks, 1)
	assert.False(t, decodeUplink(t, h.uplinks[0]).Ack)
}

func TestMaxBytesStopsUplinks(t *testing.T) {
	opts := classAOptions()
	opts.UpstreamIAT = sim.Constant{Value: 100}
	opts.UpstreamSend = sim.Constant{Value: 1}
	// two 16 byte frames reach the limit
	opts.MaxBytes = 30
	h := newHarness(t, opts)
	h.dev.Start()
	h.run(t, 1000*time.Second)

	assert.Len(t, h.uplinks, 2)
	assert.Equal(t, uint64(2), h.dev.Summary().UplinksSent)
	assert.Equal(t, 0, h.sched.Pending())
}

func classBOptions() Options {
	return Options{
		DataRate:       5,
		ClassB:         true,
		ClassBDataRate: 3,
		UpstreamIAT:    sim.Constant{Value: 1e6},
		UpstreamSend:   sim.Constant{Value: 1e6},
	}
}

func beaconFrame(t *testing.T, at time.Duration) *radio.Frame {
	t.Helper()
	data, err := lorawan.Beacon{Time: lorawan.BeaconTime(at)}.MarshalBinary()
	require.NoError(t, err)
	f := radio.NewFrame(data)
	f.SetPhy(radio.PhyParams{Channel: 7, DataRate: 3, CodeRate: 1, Preamble: lorawan.BeaconPreambleLength})
	f.SetMType(lorawan.BeaconFrame)
	return f
}

func TestBeaconDrivesPingSlots(t *testing.T) {
	h := newHarness(t, classBOptions())

	beaconAt := lorawan.BeaconPeriod
	slots, err := lorawan.PingSlots(lorawan.BeaconTime(beaconAt), testAddr, lorawan.NumPingSlots(DefaultPingPeriodicity))
	require.NoError(t, err)
	require.Len(t, slots, 2)

	h.sched.At(beaconAt, func() {
		_, err := h.gw.Transmit(beaconFrame(t, beaconAt))
		assert.NoError(t, err)
	})
	h.sched.At(beaconAt+slots[0].Offset, func() {
		_, err := h.gw.Transmit(downlinkFrame(t, 1, 7, 3, lorawan.UnconfirmedDataDown))
		assert.NoError(t, err)
	})

	h.dev.Start()
	h.run(t, 2*lorawan.BeaconPeriod-time.Second)

	beacons := h.spy.windowsOf(DefaultWindowLength, 7, 3)
	require.Len(t, beacons, 1)
	assert.Equal(t, beaconAt, beacons[0].at)

	pings := h.spy.windowsOf(lorawan.PingSlotLength, 7, 3)
	require.Len(t, pings, 2)
	for i, slot := range slots {
		assert.Equal(t, beaconAt+slot.Offset, pings[i].at)
	}

	sum := h.dev.Summary()
	assert.Equal(t, uint64(1), sum.Beacons)
	assert.Equal(t, uint64(0), sum.MissedBeacons)
	assert.Equal(t, uint64(1), sum.ClassBDown)
	assert.True(t, sum.IsClassB)
	assert.Equal(t, StateIdle, h.dev.State())
}

func TestStopDuringBeaconCancelsEverything(t *testing.T) {
	h := newHarness(t, classBOptions())
	h.dev.Start()

	// inside the beacon window, before the ping slots are computed
	h.run(t, lorawan.BeaconPeriod+lorawan.BeaconAirtime/2)
	require.Equal(t, StateBeaconRX, h.dev.State())
	require.NotZero(t, h.sched.Pending())

	h.dev.Stop()
	assert.Equal(t, 0, h.sched.Pending())

	fired := h.sched.Fired()
	h.run(t, 3*lorawan.BeaconPeriod)
	assert.Equal(t, fired, h.sched.Fired())
}

func TestClassBRevertsAfterMissedBeacons(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	opts := classBOptions()
	opts.Metrics = m
	opts.UpstreamIAT = sim.Constant{Value: 7300}
	opts.UpstreamSend = sim.Constant{Value: 100}
	h := newHarness(t, opts)
	h.dev.Start()

	revertAt := lorawan.MaxMissedBeacons * lorawan.BeaconPeriod
	h.run(t, revertAt+time.Second)

	assert.False(t, h.dev.IsClassB())
	sum := h.dev.Summary()
	assert.Equal(t, uint64(lorawan.MaxMissedBeacons), sum.MissedBeacons)
	assert.Equal(t, uint64(0), sum.Beacons)
	assert.Equal(t, float64(lorawan.MaxMissedBeacons), testutil.ToFloat64(m.MissedBeacons))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClassBReversions))

	reverted := h.eventsOf(models.EventTypeClassBReverted)
	require.Len(t, reverted, 1)
	assert.Equal(t, models.SimDuration(revertAt+lorawan.BeaconAirtime), reverted[0].SimTime)

	// slots are extrapolated from the device clock for every missed beacon but the last
	pings := h.spy.windowsOf(lorawan.PingSlotLength, 7, 3)
	assert.Len(t, pings, 2*(lorawan.MaxMissedBeacons-1))
	first, err := lorawan.PingSlots(lorawan.BeaconTime(lorawan.BeaconPeriod), testAddr, 2)
	require.NoError(t, err)
	assert.Equal(t, lorawan.BeaconPeriod+first[0].Offset, pings[0].at)
	assert.Equal(t, lorawan.BeaconPeriod+first[1].Offset, pings[1].at)
	for _, p := range pings {
		assert.Less(t, p.at, revertAt)
	}

	// no more beacon windows after the fall back
	h.run(t, revertAt+10*lorawan.BeaconPeriod)
	assert.Len(t, h.spy.windowsOf(DefaultWindowLength, 7, 3), lorawan.MaxMissedBeacons)

	// the Class B bit follows the mode of the device
	require.Len(t, h.uplinks, 2)
	assert.True(t, decodeUplink(t, h.uplinks[0]).ClassB)
	assert.False(t, decodeUplink(t, h.uplinks[1]).ClassB)
}

func TestUplinkDeferredWhileListening(t *testing.T) {
	opts := classBOptions()
	// the uplink comes due while the beacon window is open
	opts.UpstreamSend = sim.Constant{Value: 128.05}
	h := newHarness(t, opts)
	h.dev.Start()
	h.run(t, 200*time.Second)

	require.Len(t, h.uplinks, 1)
	assert.Equal(t, lorawan.BeaconPeriod+lorawan.BeaconAirtime, h.uplinks[0].TxStart)
}
