package network

import (
	"time"

	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

type sentFrame struct {
	at    time.Duration
	frame *radio.Frame
}

// fakeGateway records everything the server asks it to do
type fakeGateway struct {
	id      string
	sched   *sim.Scheduler
	canSend func(channel, dataRate uint8) bool
	// forces IsTopOfPingSlotQueue to false
	contended bool

	sent     []sentFrame
	beacons  [][]byte
	slots    map[uint16][]lorawan.DevAddr
	outcomes map[string]int
}

func newFakeGateway(id string, sched *sim.Scheduler) *fakeGateway {
	return &fakeGateway{
		id:       id,
		sched:    sched,
		canSend:  func(uint8, uint8) bool { return true },
		slots:    make(map[uint16][]lorawan.DevAddr),
		outcomes: make(map[string]int),
	}
}

func (g *fakeGateway) ID() string { return g.id }

func (g *fakeGateway) CanSendImmediatelyOnChannel(channel, dataRate uint8) bool {
	return g.canSend(channel, dataRate)
}

func (g *fakeGateway) SendDownlink(f *radio.Frame) error {
	g.sent = append(g.sent, sentFrame{at: g.sched.Now(), frame: f})
	return nil
}

func (g *fakeGateway) SendBeacon(payload []byte) error {
	g.beacons = append(g.beacons, append([]byte(nil), payload...))
	return nil
}

func (g *fakeGateway) RequestPingSlot(slot uint16, addr lorawan.DevAddr) {
	g.slots[slot] = append(g.slots[slot], addr)
}

func (g *fakeGateway) ClearPingSlotQueues() {
	g.slots = make(map[uint16][]lorawan.DevAddr)
}

func (g *fakeGateway) IsTopOfPingSlotQueue(slot uint16, addr lorawan.DevAddr, hasPending func(lorawan.DevAddr) bool) bool {
	if g.contended {
		return false
	}
	for _, a := range g.slots[slot] {
		if a == addr {
			return true
		}
		if hasPending(a) {
			return false
		}
	}
	return true
}

func (g *fakeGateway) RecordPingSlot(_ uint16, outcome string) {
	g.outcomes[outcome]++
}
