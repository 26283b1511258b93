package network

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

var testAddr = lorawan.DevAddrFromUint32(0x26011BDA)

func newTestServer(opts Options) (*sim.Scheduler, *Server) {
	sched := sim.NewScheduler()
	return sched, NewServer(sched, opts)
}

func uplinkFrame(t *testing.T, addr lorawan.DevAddr, fCnt uint16, mt lorawan.MType, ack, classB bool) *radio.Frame {
	t.Helper()
	h := lorawan.UplinkFrameHeader{DevAddr: addr, FCnt: fCnt, Ack: ack, ClassB: classB, FPort: lorawan.Port(1)}
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	f := radio.NewFrame(append(b, make([]byte, 8)...))
	f.SetPhy(radio.PhyParams{Channel: 2, DataRate: 5, CodeRate: 1})
	f.SetMType(mt)
	return f
}

func decodeDownlink(t *testing.T, f *radio.Frame, hasPort bool) lorawan.DownlinkFrameHeader {
	t.Helper()
	var h lorawan.DownlinkFrameHeader
	_, err := h.UnmarshalBinary(f.Payload, hasPort)
	require.NoError(t, err)
	return h
}

func deviceSummary(t *testing.T, s *Server, addr lorawan.DevAddr) models.DeviceSummary {
	t.Helper()
	sums, _ := s.Summary()
	for _, d := range sums {
		if d.DevAddr == addr.String() {
			return d
		}
	}
	t.Fatalf("no summary for %s", addr)
	return models.DeviceSummary{}
}

func TestNewServerPanicsWithoutScheduler(t *testing.T) {
	assert.Panics(t, func() { NewServer(nil, Options{}) })
}

func TestUplinkClassification(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw1 := newFakeGateway("gw1", sched)
	gw2 := newFakeGateway("gw2", sched)
	// nothing is ever sent so only classification is observed
	gw1.canSend = func(uint8, uint8) bool { return false }
	gw2.canSend = gw1.canSend

	at := func(d time.Duration, gw Gateway, fCnt uint16) {
		sched.At(d, func() { s.HandleUplink(gw, uplinkFrame(t, testAddr, fCnt, lorawan.UnconfirmedDataUp, false, false)) })
	}
	at(10*time.Second, gw1, 1)
	// heard by a second gateway, then again inside the window
	at(10*time.Second, gw2, 1)
	at(10*time.Second+500*time.Millisecond, gw2, 1)
	// retransmission
	at(20*time.Second, gw1, 1)
	at(30*time.Second, gw1, 2)
	at(40*time.Second, gw2, 3)

	require.NoError(t, sched.RunUntil(context.Background(), 10*time.Second))
	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, []string{"gw1", "gw2"}, info.Gateways)
	assert.Equal(t, uint32(1), info.FCntUp)

	require.NoError(t, sched.RunUntil(context.Background(), 41*time.Second))
	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(6), d.USPackets)
	assert.Equal(t, uint64(3), d.USUnique)
	assert.Equal(t, uint64(2), d.USDuplicates)
	assert.Equal(t, uint64(1), d.USRetransmissions)

	info, err = s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), info.FCntUp)
	assert.Equal(t, models.SimDuration(40*time.Second), info.LastSeen)
	assert.Equal(t, []string{"gw2"}, info.Gateways)
}

func TestDuplicateDoesNotMutateSession(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	gw.canSend = func(uint8, uint8) bool { return false }

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 5, lorawan.UnconfirmedDataUp, false, false))
	require.NoError(t, sched.RunUntil(context.Background(), 500*time.Millisecond))
	before, err := s.Session(testAddr)
	require.NoError(t, err)

	dup := uplinkFrame(t, testAddr, 4, lorawan.ConfirmedDataUp, true, true)
	dup.SetPhy(radio.PhyParams{Channel: 0, DataRate: 1})
	s.HandleUplink(gw, dup)

	after, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFCntRollover(t *testing.T) {
	sched, s := newTestServer(Options{DSTransmissions: 4})
	gw := newFakeGateway("gw1", sched)
	gw.canSend = func(uint8, uint8) bool { return false }
	s.RegisterDevice(testAddr)
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, true, false))

	ups := []struct {
		fCnt uint16
		ack  bool
	}{
		{0xFFFE, false},
		{0xFFFF, false},
		// the header counter wrapped, the ack must still be processed
		{0, true},
		{1, false},
		// retransmission after the wrap
		{1, false},
		// a stale frame from before the wrap
		{0xFFFF, false},
	}
	for i, up := range ups {
		up := up
		sched.At(time.Duration(i+1)*10*time.Second, func() {
			s.HandleUplink(gw, uplinkFrame(t, testAddr, up.fCnt, lorawan.UnconfirmedDataUp, up.ack, false))
		})
	}
	require.NoError(t, sched.Run(context.Background()))

	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10001), info.FCntUp)

	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(4), d.USUnique)
	assert.Equal(t, uint64(2), d.USRetransmissions)
	assert.Equal(t, uint64(1), d.DSAckd)
	assert.Zero(t, d.QueueLength)
}

func TestSessionReportsPendingWindows(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	gw.canSend = func(uint8, uint8) bool { return false }

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, false))
	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.True(t, info.RW1Pending)
	assert.False(t, info.RW2Pending)

	require.NoError(t, sched.RunUntil(context.Background(), DefaultReceiveDelay1))
	info, err = s.Session(testAddr)
	require.NoError(t, err)
	assert.False(t, info.RW1Pending)
	assert.True(t, info.RW2Pending)

	// a new uplink supersedes the pending RW2
	s.HandleUplink(gw, uplinkFrame(t, testAddr, 2, lorawan.UnconfirmedDataUp, false, false))
	info, err = s.Session(testAddr)
	require.NoError(t, err)
	assert.True(t, info.RW1Pending)
	assert.False(t, info.RW2Pending)

	require.NoError(t, sched.Run(context.Background()))
	info, err = s.Session(testAddr)
	require.NoError(t, err)
	assert.False(t, info.RW1Pending)
	assert.False(t, info.RW2Pending)
	assert.Empty(t, info.LastDownlinkGateway)
}

// Sessions and EnqueueDownlink are called by the API while the scheduler
// goroutine runs the simulation; run with -race.
func TestSessionsReadableWhileRunning(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	s.RegisterDevice(testAddr)

	const n = 2000
	for i := 0; i < n; i++ {
		f := uplinkFrame(t, testAddr, uint16(i+1), lorawan.ConfirmedDataUp, false, false)
		sched.At(time.Duration(i)*3*time.Second, func() { s.HandleUplink(gw, f) })
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	reads := 0
	for running := true; running; {
		select {
		case err := <-done:
			require.NoError(t, err)
			running = false
		default:
			for _, info := range s.Sessions() {
				assert.Equal(t, testAddr, info.DevAddr)
			}
			if reads%50 == 0 {
				assert.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, false, false))
			}
			reads++
		}
	}

	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(n), d.USUnique)
	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.False(t, info.RW1Pending)
	assert.False(t, info.RW2Pending)
	assert.Equal(t, "gw1", info.LastDownlinkGateway)
}

func TestRetransmissionSkipsAck(t *testing.T) {
	sched, s := newTestServer(Options{DSTransmissions: 4})
	gw := newFakeGateway("gw1", sched)
	gw.canSend = func(uint8, uint8) bool { return false }
	s.RegisterDevice(testAddr)

	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, true, false))
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{2}, 1, true, false))

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, true, false))
	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, info.QueueLength)
	assert.True(t, info.RW1Pending)

	require.NoError(t, sched.RunUntil(context.Background(), 5*time.Second))
	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, true, false))

	info, err = s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, info.QueueLength, "ack of a retransmission is ignored")
	assert.True(t, info.RW1Pending, "retransmission reopens the receive windows")

	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(1), d.DSAckd)
	assert.Equal(t, uint64(1), d.USAcks)
	assert.Equal(t, uint64(1), d.USRetransmissions)
}

func TestAckWithoutConfirmedHead(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	gw.canSend = func(uint8, uint8) bool { return false }
	s.RegisterDevice(testAddr)
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, false, false))

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, true, false))

	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, info.QueueLength)
	assert.Zero(t, deviceSummary(t, s, testAddr).DSAckd)
}

func TestRW1UsesUplinkChannel(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	s.RegisterDevice(testAddr)
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{0xAA, 0xBB}, 3, false, false))

	sched.At(time.Second, func() {
		s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, false))
	})
	require.NoError(t, sched.Run(context.Background()))

	require.Len(t, gw.sent, 1)
	sent := gw.sent[0]
	assert.Equal(t, 2*time.Second, sent.at)
	phy, ok := sent.frame.Phy()
	require.True(t, ok)
	assert.Equal(t, uint8(2), phy.Channel)
	assert.Equal(t, uint8(5), phy.DataRate)

	h := decodeDownlink(t, sent.frame, true)
	assert.Equal(t, testAddr, h.DevAddr)
	assert.Equal(t, uint16(1), h.FCnt)
	require.NotNil(t, h.FPort)
	assert.Equal(t, uint8(3), *h.FPort)
	assert.Equal(t, []byte{0xAA, 0xBB}, sent.frame.Payload[h.Size():])

	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(1), d.RW1Sent)
	assert.Zero(t, d.QueueLength)
}

func TestRW2Fallback(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	region := lorawan.MustRegion("EU868")
	gw.canSend = func(ch, _ uint8) bool { return ch == region.RX2Channel }
	s.RegisterDevice(testAddr)
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, false, false))

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, false))
	require.NoError(t, sched.Run(context.Background()))

	require.Len(t, gw.sent, 1)
	assert.Equal(t, DefaultReceiveDelay2, gw.sent[0].at)
	phy, _ := gw.sent[0].frame.Phy()
	assert.Equal(t, region.RX2Channel, phy.Channel)
	assert.Equal(t, region.RX2DR, phy.DataRate)

	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(1), d.RW1Missed)
	assert.Equal(t, uint64(1), d.RW2Sent)

	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, "gw1", info.LastDownlinkGateway)
}

func TestMissesOnlyCountedWithTraffic(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	gw.canSend = func(uint8, uint8) bool { return false }

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, false))
	require.NoError(t, sched.Run(context.Background()))
	d := deviceSummary(t, s, testAddr)
	assert.Zero(t, d.RW1Missed)
	assert.Zero(t, d.RW2Missed)

	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, false, false))
	s.HandleUplink(gw, uplinkFrame(t, testAddr, 2, lorawan.UnconfirmedDataUp, false, false))
	require.NoError(t, sched.Run(context.Background()))
	d = deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(1), d.RW1Missed)
	assert.Equal(t, uint64(1), d.RW2Missed)
	assert.Equal(t, 1, d.QueueLength)
	assert.Empty(t, gw.sent)
}

func TestAckOnlyDownlink(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.ConfirmedDataUp, false, false))
	require.NoError(t, sched.Run(context.Background()))

	require.Len(t, gw.sent, 1)
	h := decodeDownlink(t, gw.sent[0].frame, false)
	assert.True(t, h.Ack)
	assert.Nil(t, h.FPort)
	mt, ok := gw.sent[0].frame.MType()
	require.True(t, ok)
	assert.Equal(t, lorawan.UnconfirmedDataDown, mt)
	assert.Equal(t, lorawan.FHDRCoreSize, gw.sent[0].frame.Len())

	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.False(t, info.SetAck)
	assert.Equal(t, uint64(1), deviceSummary(t, s, testAddr).DSAcks)
}

func TestInvalidWindowIsViolation(t *testing.T) {
	sched, s := newTestServer(Options{})
	gw := newFakeGateway("gw1", sched)
	s.RegisterDevice(testAddr)
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, false, false))

	s.SendDownlink(testAddr, gw, ReceiveWindow(7))
	s.SendDownlink(lorawan.DevAddrFromUint32(1), gw, WindowRW1)

	assert.Empty(t, gw.sent)
	_, totals := s.Summary()
	assert.Equal(t, uint64(2), totals.InvariantViolations)
}

// Every confirmed downlink is sent at most DSTransmissions times and then dropped.
func TestConfirmedDeliveryBound(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		sched, s := newTestServer(Options{DSTransmissions: n})
		gw := newFakeGateway("gw1", sched)
		s.RegisterDevice(testAddr)
		require.NoError(t, s.EnqueueDownlink(testAddr, []byte{0x42}, 1, true, false))

		for i := 0; i < 10; i++ {
			fCnt := uint16(i + 1)
			sched.At(time.Duration(i)*100*time.Second, func() {
				s.HandleUplink(gw, uplinkFrame(t, testAddr, fCnt, lorawan.UnconfirmedDataUp, false, false))
			})
		}
		require.NoError(t, sched.Run(context.Background()))

		assert.Len(t, gw.sent, n)
		for i, sent := range gw.sent {
			h := decodeDownlink(t, sent.frame, true)
			assert.Equal(t, uint16(i+1), h.FCnt)
			assert.Equal(t, []byte{0x42}, sent.frame.Payload[h.Size():])
		}
		d := deviceSummary(t, s, testAddr)
		assert.Equal(t, uint64(n), d.DSSent)
		assert.Equal(t, uint64(n-1), d.DSRetransmissions)
		assert.Equal(t, uint64(1), d.DSDropped)
		assert.Zero(t, d.QueueLength)
	}
}

// At no instant are two RW1 or two RW2 timers of a device live.
func TestAtMostOneReceiveWindowTimer(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		sched, s := newTestServer(Options{})
		gws := []*fakeGateway{newFakeGateway("gw1", sched), newFakeGateway("gw2", sched)}
		for _, gw := range gws {
			gw.canSend = func(uint8, uint8) bool { return rnd.Intn(2) == 0 }
		}
		s.RegisterDevice(testAddr)

		var at time.Duration
		fCnt := uint16(1)
		for i := 0; i < 40; i++ {
			at += time.Duration(rnd.Intn(3000)) * time.Millisecond
			switch rnd.Intn(4) {
			case 0:
				// keep the counter: duplicate or retransmission
			default:
				fCnt += uint16(rnd.Intn(2))
			}
			gw := gws[rnd.Intn(len(gws))]
			c, confirmed := fCnt, rnd.Intn(3) == 0
			sched.At(at, func() {
				mt := lorawan.UnconfirmedDataUp
				if confirmed {
					mt = lorawan.ConfirmedDataUp
				}
				s.HandleUplink(gw, uplinkFrame(t, testAddr, c, mt, false, false))
			})
			if rnd.Intn(3) == 0 {
				sched.At(at, func() { _ = s.EnqueueDownlink(testAddr, []byte{1}, 1, rnd.Intn(2) == 0, false) })
			}
		}

		rw1Seen := map[*sim.Timer]bool{}
		rw2Seen := map[*sim.Timer]bool{}
		live := func(seen map[*sim.Timer]bool) int {
			n := 0
			for tm := range seen {
				if tm.IsRunning() {
					n++
				}
			}
			return n
		}
		for sched.Step() {
			sess := s.sessions[testAddr]
			if sess.rw1 != nil {
				rw1Seen[sess.rw1] = true
			}
			if sess.rw2 != nil {
				rw2Seen[sess.rw2] = true
			}
			require.LessOrEqual(t, live(rw1Seen), 1)
			require.LessOrEqual(t, live(rw2Seen), 1)
		}
	}
}

func TestClassBTransitions(t *testing.T) {
	sched, s := newTestServer(Options{
		GenerateClassBDataDown: true,
		ClassBDataRate:         3,
		ClassBDownstream:       sim.Constant{Value: 100},
		ClassBDownstreamIAT:    sim.Constant{Value: 1000},
	})
	gw := newFakeGateway("gw1", sched)

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, true))
	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.True(t, info.IsClassB)
	assert.Equal(t, 2, info.PingSlots)
	assert.Equal(t, 1, s.ClassBDevices())

	require.NoError(t, sched.RunUntil(context.Background(), 1100*time.Second))
	info, _ = s.Session(testAddr)
	assert.Equal(t, 2, info.ClassBQueueLength)

	s.HandleUplink(gw, uplinkFrame(t, testAddr, 2, lorawan.UnconfirmedDataUp, false, false))
	sess := s.sessions[testAddr]
	assert.False(t, sess.IsClassB)
	assert.False(t, sess.classBDSTimer.IsRunning())
	assert.False(t, sess.classBScheduleTimer.IsRunning())

	require.NoError(t, sched.RunUntil(context.Background(), 5000*time.Second))
	assert.Equal(t, uint64(2), deviceSummary(t, s, testAddr).ClassBGenerated)
}

func TestBeaconAndPingSlots(t *testing.T) {
	sched, s := newTestServer(Options{
		GenerateClassBDataDown: true,
		ClassBDataRate:         3,
		ClassBDownstream:       sim.Constant{Value: 1e6},
		ClassBDownstreamIAT:    sim.Constant{Value: 1e6},
	})
	gw := newFakeGateway("gw1", sched)
	s.RegisterGateway(gw)

	sched.At(10*time.Second, func() {
		s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, true))
	})
	s.StartBeacons()
	require.NoError(t, sched.RunUntil(context.Background(), 20*time.Second))
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{7, 7}, 2, false, true))

	slots, err := lorawan.PingSlots(128, testAddr, 2)
	require.NoError(t, err)

	require.NoError(t, sched.RunUntil(context.Background(), lorawan.BeaconPeriod))
	// first beacon at t=0, before the device switched to class B
	require.Len(t, gw.beacons, 2)
	var b lorawan.Beacon
	require.NoError(t, b.UnmarshalBinary(gw.beacons[1]))
	assert.Equal(t, uint32(128), b.Time)
	for _, slot := range slots {
		assert.Equal(t, []lorawan.DevAddr{testAddr}, gw.slots[slot.Index])
	}

	require.NoError(t, sched.RunUntil(context.Background(), 2*lorawan.BeaconPeriod-time.Second))
	require.Len(t, gw.sent, 1)
	sent := gw.sent[0]
	assert.Equal(t, lorawan.BeaconPeriod+slots[0].Offset, sent.at)
	phy, _ := sent.frame.Phy()
	assert.Equal(t, uint8(7), phy.Channel)
	assert.Equal(t, uint8(3), phy.DataRate)
	h := decodeDownlink(t, sent.frame, true)
	assert.Equal(t, []byte{7, 7}, sent.frame.Payload[h.Size():])

	assert.Equal(t, 1, gw.outcomes[metrics.PingUsed])
	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(1), d.ClassBSent)
	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, "gw1", info.LastDownlinkGateway)
	assert.Zero(t, d.ClassBQueueLength)

	_, totals := s.Summary()
	assert.Equal(t, uint64(2), totals.Beacons)
}

func TestPingSlotCollisionAndDutyCycle(t *testing.T) {
	sched, s := newTestServer(Options{
		GenerateClassBDataDown: true,
		ClassBDownstream:       sim.Constant{Value: 1e6},
		ClassBDownstreamIAT:    sim.Constant{Value: 1e6},
	})
	gw := newFakeGateway("gw1", sched)
	s.HandleUplink(gw, uplinkFrame(t, testAddr, 1, lorawan.UnconfirmedDataUp, false, true))
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{1}, 1, false, true))

	gw.contended = true
	s.ClassBPingSlot(testAddr, 10)
	assert.Equal(t, 1, gw.outcomes[metrics.PingCollision])

	gw.contended = false
	gw.canSend = func(uint8, uint8) bool { return false }
	s.ClassBPingSlot(testAddr, 10)
	assert.Equal(t, 1, gw.outcomes[metrics.PingDutyCycle])

	assert.Empty(t, gw.sent)
	info, _ := s.Session(testAddr)
	assert.Equal(t, 1, info.ClassBQueueLength)
}

func TestDownlinkGeneration(t *testing.T) {
	sched, s := newTestServer(Options{
		GenerateDataDown:  true,
		ConfirmedDataDown: true,
		DownstreamIAT:     sim.Constant{Value: 10},
	})
	s.RegisterDevice(testAddr)
	require.NoError(t, sched.RunUntil(context.Background(), 35*time.Second))

	sess := s.sessions[testAddr]
	require.Len(t, sess.Queue, 3)
	for _, e := range sess.Queue {
		assert.Equal(t, lorawan.ConfirmedDataDown, e.MType)
		assert.Equal(t, DefaultDSTransmissions, e.Remaining)
		assert.Equal(t, uint8(1), e.FPort)
		assert.Len(t, e.Payload, DefaultPacketSize-13)
	}
	assert.Equal(t, uint64(3), deviceSummary(t, s, testAddr).DSGenerated)
}

func TestDownlinkGenerationSkipsSmallPackets(t *testing.T) {
	sched, s := newTestServer(Options{
		GenerateDataDown: true,
		PacketSize:       5,
		DownstreamIAT:    sim.Constant{Value: 10},
	})
	s.RegisterDevice(testAddr)
	require.NoError(t, sched.RunUntil(context.Background(), 35*time.Second))

	assert.Empty(t, s.sessions[testAddr].Queue)
	assert.True(t, s.sessions[testAddr].dsTimer.IsRunning())
}

func TestEnqueueUnknownDevice(t *testing.T) {
	_, s := newTestServer(Options{})
	err := s.EnqueueDownlink(testAddr, []byte{1}, 1, false, false)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, err = s.Session(testAddr)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestAssignInitialGateway(t *testing.T) {
	sched, s := newTestServer(Options{})
	s.RegisterDevice(testAddr)
	s.AssignInitialGateway(newFakeGateway("gw1", sched))
	s.AssignInitialGateway(newFakeGateway("gw2", sched))

	info, err := s.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, []string{"gw1"}, info.Gateways)
	assert.Len(t, s.gateways, 2)
}
