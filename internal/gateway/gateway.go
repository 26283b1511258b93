package gateway

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/network"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// UplinkHandler 接收网关转发的上行帧
type UplinkHandler interface {
	HandleUplink(gw network.Gateway, f *radio.Frame)
}

// SlotStats 单个 ping slot 的统计
type SlotStats struct {
	Allocated uint64 `json:"allocated"`
	Used      uint64 `json:"used"`
	Collision uint64 `json:"collision"`
	DutyCycle uint64 `json:"dutyCycle"`
}

// Gateway 网关中继：把收到的上行转发给网络服务器，按网络服务器的要求发送下行和信标，
// 并维护 Class B ping slot 的排队顺序。
type Gateway struct {
	id       string
	radio    *radio.Transceiver
	region   *lorawan.RegionConfiguration
	handler  UplinkHandler
	location models.Location
	logger   zerolog.Logger

	mu sync.Mutex
	// devices registered per slot for the current beacon period, in order
	pingSlots map[uint16][]lorawan.DevAddr
	slotStats map[uint16]*SlotStats

	uplinks   uint64
	downlinks uint64
	beacons   uint64
}

var _ network.Gateway = (*Gateway)(nil)

// New attaches a gateway to the medium. Uplinks are relayed to handler.
func New(id string, medium *radio.Medium, handler UplinkHandler, location models.Location) *Gateway {
	g := &Gateway{
		id:        id,
		region:    medium.Region(),
		handler:   handler,
		location:  location,
		logger:    log.With().Str("component", "gateway").Str("gateway", id).Logger(),
		pingSlots: make(map[uint16][]lorawan.DevAddr),
		slotStats: make(map[uint16]*SlotStats),
	}
	g.radio = medium.Attach(id, radio.RoleGateway, g.receive)
	return g
}

// ID returns the gateway identifier
func (g *Gateway) ID() string {
	return g.id
}

// Location returns the configured gateway position
func (g *Gateway) Location() models.Location {
	return g.location
}

func (g *Gateway) receive(f *radio.Frame) {
	g.mu.Lock()
	g.uplinks++
	g.mu.Unlock()

	g.logger.Debug().Str("sender", f.Sender).Int("size", f.Len()).Dur("simTime", f.TxEnd).Msg("收到上行")
	if g.handler == nil {
		return
	}
	g.handler.HandleUplink(g, f)
}

// CanSendImmediatelyOnChannel reports whether the radio is idle and the
// sub-band of channel is outside its duty cycle off period.
func (g *Gateway) CanSendImmediatelyOnChannel(channel, dataRate uint8) bool {
	return g.radio.CanSendNow(channel, dataRate)
}

// SendDownlink transmits a downlink frame as is
func (g *Gateway) SendDownlink(f *radio.Frame) error {
	airtime, err := g.radio.Transmit(f)
	if err != nil {
		return fmt.Errorf("transmit downlink: %w", err)
	}

	g.mu.Lock()
	g.downlinks++
	g.mu.Unlock()
	g.logger.Debug().Int("size", f.Len()).Dur("airtime", airtime).Msg("下行已发送")
	return nil
}

// SendBeacon fills in the gateway specific fields of an encoded beacon and
// broadcasts it on the beacon channel.
func (g *Gateway) SendBeacon(payload []byte) error {
	data := append([]byte(nil), payload...)
	if err := lorawan.PatchGatewaySpecific(data, g.location.GatewaySpecific()); err != nil {
		return fmt.Errorf("patch beacon: %w", err)
	}

	f := radio.NewFrame(data)
	f.SetPhy(radio.PhyParams{
		Channel:  g.region.BeaconChannel,
		DataRate: g.region.BeaconDR,
		CodeRate: g.region.BeaconCodeRate,
		Preamble: lorawan.BeaconPreambleLength,
	})
	f.SetMType(lorawan.BeaconFrame)

	if _, err := g.radio.Transmit(f); err != nil {
		return fmt.Errorf("transmit beacon: %w", err)
	}

	g.mu.Lock()
	g.beacons++
	g.mu.Unlock()
	return nil
}

func (g *Gateway) stats(slot uint16) *SlotStats {
	st, ok := g.slotStats[slot]
	if !ok {
		st = &SlotStats{}
		g.slotStats[slot] = st
	}
	return st
}

// RequestPingSlot queues addr for slot in the current beacon period
func (g *Gateway) RequestPingSlot(slot uint16, addr lorawan.DevAddr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pingSlots[slot] = append(g.pingSlots[slot], addr)
	g.stats(slot).Allocated++
}

// ClearPingSlotQueues drops every slot registration. Called at each beacon.
func (g *Gateway) ClearPingSlotQueues() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pingSlots = make(map[uint16][]lorawan.DevAddr)
}

// IsTopOfPingSlotQueue reports whether addr may use slot: no device queued
// before it for the slot still has a pending Class B downlink. Devices not
// queued for the slot are never blocked.
func (g *Gateway) IsTopOfPingSlotQueue(slot uint16, addr lorawan.DevAddr, hasPending func(lorawan.DevAddr) bool) bool {
	g.mu.Lock()
	queue := append([]lorawan.DevAddr(nil), g.pingSlots[slot]...)
	g.mu.Unlock()

	for _, a := range queue {
		if a == addr {
			return true
		}
		if hasPending(a) {
			return false
		}
	}
	return true
}

// RecordPingSlot counts the outcome of a ping slot
func (g *Gateway) RecordPingSlot(slot uint16, outcome string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stats(slot)
	switch outcome {
	case metrics.PingUsed:
		st.Used++
	case metrics.PingCollision:
		st.Collision++
	case metrics.PingDutyCycle:
		st.DutyCycle++
	}
}

// SlotStats returns the statistics of one slot position
func (g *Gateway) SlotStats(slot uint16) SlotStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.slotStats[slot]; ok {
		return *st
	}
	return SlotStats{}
}

// Summary returns the counters of the gateway
func (g *Gateway) Summary() models.GatewaySummary {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := models.GatewaySummary{
		GatewayID:      g.id,
		UplinksRelayed: g.uplinks,
		DownlinksSent:  g.downlinks,
		BeaconsSent:    g.beacons,
	}
	for _, st := range g.slotStats {
		s.SlotsAllocated += st.Allocated
		s.SlotsUsed += st.Used
		s.SlotsCollision += st.Collision
		s.SlotsDutyCycleMiss += st.DutyCycle
	}
	return s
}
