package network

import (
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// Gateway is what the network server needs from a gateway
type Gateway interface {
	ID() string
	// CanSendImmediatelyOnChannel reports whether a downlink could start now
	CanSendImmediatelyOnChannel(channel, dataRate uint8) bool
	SendDownlink(f *radio.Frame) error
	// SendBeacon broadcasts an encoded beacon after adding the gateway specific fields
	SendBeacon(payload []byte) error

	RequestPingSlot(slot uint16, addr lorawan.DevAddr)
	ClearPingSlotQueues()
	// IsTopOfPingSlotQueue reports whether no device registered earlier for
	// slot still has a pending Class B downlink
	IsTopOfPingSlotQueue(slot uint16, addr lorawan.DevAddr, hasPending func(lorawan.DevAddr) bool) bool
	// RecordPingSlot counts the outcome of a ping slot
	RecordPingSlot(slot uint16, outcome string)
}
