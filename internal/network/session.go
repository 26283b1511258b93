package network

import (
	"time"

	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// ReceiveWindow identifies the Class A receive window a downlink is sent in
type ReceiveWindow int

const (
	WindowRW1 ReceiveWindow = iota + 1
	WindowRW2
)

func (w ReceiveWindow) String() string {
	switch w {
	case WindowRW1:
		return "rw1"
	case WindowRW2:
		return "rw2"
	default:
		return "invalid"
	}
}

// DownlinkElement is one queued downlink payload
type DownlinkElement struct {
	Payload []byte
	FPort   uint8
	MType   lorawan.MType
	// Remaining transmissions, only decremented for confirmed downlinks
	Remaining        int
	IsRetransmission bool
}

// sessionStats are the per device counters of the network server
type sessionStats struct {
	usPackets         uint64
	usUnique          uint64
	usDuplicates      uint64
	usRetransmissions uint64
	usAcks            uint64

	dsGenerated       uint64
	dsSent            uint64
	rw1Sent           uint64
	rw2Sent           uint64
	rw1Missed         uint64
	rw2Missed         uint64
	dsRetransmissions uint64
	dsAcks            uint64
	dsAckd            uint64
	dsDropped         uint64

	classBGenerated uint64
	classBSent      uint64
}

// DeviceSession is the network server state of one end device
type DeviceSession struct {
	Addr lorawan.DevAddr

	FCntUp   uint32
	FCntDown uint32
	// seen is set once the first uplink has been classified
	seen bool

	LastSeen      time.Duration
	LastGateways  []Gateway
	lastDSGateway string

	LastChannel  uint8
	LastDataRate uint8
	LastCodeRate uint8
	RX1DROffset  uint8

	SetAck       bool
	FramePending bool

	Queue       []DownlinkElement
	ClassBQueue []DownlinkElement

	IsClassB        bool
	PingPeriodicity uint8
	PingSlots       int
	ClassBChannel   uint8
	ClassBDataRate  uint8
	ClassBCodeRate  uint8

	rw1 *sim.Timer
	rw2 *sim.Timer

	// mirror the receive window timers for readers outside the scheduler
	// goroutine, guarded by Server.mu
	rw1Pending bool
	rw2Pending bool

	dsTimer             *sim.Timer
	classBDSTimer       *sim.Timer
	classBScheduleTimer *sim.Timer

	stats sessionStats
}

// fullFCntUp extends the 16 bit counter of the frame header to 32 bits,
// taking the value nearest to the last uplink counter.
func (s *DeviceSession) fullFCntUp(wire uint16) uint32 {
	if !s.seen {
		return uint32(wire)
	}
	full := s.FCntUp&^0xFFFF | uint32(wire)
	switch {
	case full < s.FCntUp && s.FCntUp-full > 1<<15:
		full += 1 << 16
	case full > s.FCntUp && full-s.FCntUp > 1<<15 && full >= 1<<16:
		full -= 1 << 16
	}
	return full
}

// haveSomethingToSend reports whether a Class A downlink is pending
func (s *DeviceSession) haveSomethingToSend() bool {
	return len(s.Queue) > 0 || s.SetAck
}

// addGateway appends gw to the gateways that heard the current uplink
func (s *DeviceSession) addGateway(gw Gateway) {
	for _, g := range s.LastGateways {
		if g.ID() == gw.ID() {
			return
		}
	}
	s.LastGateways = append(s.LastGateways, gw)
}

func (s *DeviceSession) popQueue() {
	s.Queue[0] = DownlinkElement{}
	s.Queue = s.Queue[1:]
}

func (s *DeviceSession) popClassBQueue() {
	s.ClassBQueue[0] = DownlinkElement{}
	s.ClassBQueue = s.ClassBQueue[1:]
}

// summary converts the counters to the report model
func (s *DeviceSession) summary() models.DeviceSummary {
	return models.DeviceSummary{
		DevAddr:           s.Addr.String(),
		IsClassB:          s.IsClassB,
		USPackets:         s.stats.usPackets,
		USUnique:          s.stats.usUnique,
		USAcks:            s.stats.usAcks,
		USDuplicates:      s.stats.usDuplicates,
		USRetransmissions: s.stats.usRetransmissions,
		DSGenerated:       s.stats.dsGenerated,
		DSSent:            s.stats.dsSent,
		RW1Sent:           s.stats.rw1Sent,
		RW2Sent:           s.stats.rw2Sent,
		RW1Missed:         s.stats.rw1Missed,
		RW2Missed:         s.stats.rw2Missed,
		DSRetransmissions: s.stats.dsRetransmissions,
		DSAcks:            s.stats.dsAcks,
		DSAckd:            s.stats.dsAckd,
		DSDropped:         s.stats.dsDropped,
		ClassBGenerated:   s.stats.classBGenerated,
		ClassBSent:        s.stats.classBSent,
		QueueLength:       len(s.Queue),
		ClassBQueueLength: len(s.ClassBQueue),
	}
}

// SessionInfo is a read-only view of a session for the API
type SessionInfo struct {
	DevAddr           lorawan.DevAddr    `json:"devAddr"`
	FCntUp            uint32             `json:"fCntUp"`
	FCntDown          uint32             `json:"fCntDown"`
	LastSeen          models.SimDuration `json:"lastSeen"`
	Gateways          []string           `json:"gateways"`
	LastChannel       uint8              `json:"lastChannel"`
	LastDataRate      uint8              `json:"lastDataRate"`
	SetAck            bool               `json:"setAck"`
	IsClassB          bool               `json:"isClassB"`
	PingSlots         int                `json:"pingSlots"`
	QueueLength       int                `json:"queueLength"`
	ClassBQueueLength int                `json:"classBQueueLength"`
	RW1Pending        bool               `json:"rw1Pending"`
	RW2Pending        bool               `json:"rw2Pending"`

	// gateway of the last Class A or Class B downlink
	LastDownlinkGateway string `json:"lastDownlinkGateway,omitempty"`
}

func (s *DeviceSession) info() SessionInfo {
	gws := make([]string, 0, len(s.LastGateways))
	for _, g := range s.LastGateways {
		gws = append(gws, g.ID())
	}
	return SessionInfo{
		DevAddr:           s.Addr,
		FCntUp:            s.FCntUp,
		FCntDown:          s.FCntDown,
		LastSeen:          models.SimDuration(s.LastSeen),
		Gateways:          gws,
		LastChannel:       s.LastChannel,
		LastDataRate:      s.LastDataRate,
		SetAck:            s.SetAck,
		IsClassB:          s.IsClassB,
		PingSlots:         s.PingSlots,
		QueueLength:       len(s.Queue),
		ClassBQueueLength: len(s.ClassBQueue),
		RW1Pending:        s.rw1Pending,
		RW2Pending:        s.rw2Pending,

		LastDownlinkGateway: s.lastDSGateway,
	}
}
