package lorawan

import (
	"encoding/binary"
	"time"
)

// Class B beacon layout (EU868):
//
//	| RFU(2) | Time(4) | CRC(2) | GwSpecific(7) | CRC(2) |
//
// Time is little-endian seconds in bytes [2..5]. Neither CRC is computed.
const (
	BeaconSize = 17

	beaconTimeOffset   = 2
	beaconGwSpecOffset = 8
	beaconCRC2Offset   = 15
)

const (
	// BeaconPeriod is the interval between two beacons
	BeaconPeriod = 128 * time.Second
	// BeaconReserved is the time after the beacon start during which no ping slot is opened
	BeaconReserved = 2120 * time.Millisecond
	// PingSlotLength is the duration of one ping slot
	PingSlotLength = 30 * time.Millisecond
	// BeaconAirtime is the time on air of a 17 byte beacon at SF9/125kHz with a 10 symbol preamble
	BeaconAirtime = 173056 * time.Microsecond
	// MaxMissedBeacons is the number of consecutive missed beacons after which a
	// device falls back to Class A (about two hours).
	MaxMissedBeacons = 57
)

// Beacon is the payload broadcast every BeaconPeriod by the network
type Beacon struct {
	// Time is the beacon timestamp in seconds, truncated to 32 bits
	Time uint32
	// GatewaySpecific holds the per-gateway info descriptor and location
	GatewaySpecific [7]byte
}

// BeaconTime truncates a simulated time to the beacon time field
func BeaconTime(t time.Duration) uint32 {
	return uint32(uint64(t/time.Second) & 0xFFFFFFFF)
}

// MarshalBinary encodes the 17 byte beacon payload
func (b Beacon) MarshalBinary() ([]byte, error) {
	data := make([]byte, BeaconSize)
	binary.LittleEndian.PutUint32(data[beaconTimeOffset:beaconTimeOffset+4], b.Time)
	copy(data[beaconGwSpecOffset:beaconCRC2Offset], b.GatewaySpecific[:])
	return data, nil
}

// UnmarshalBinary decodes a beacon payload
func (b *Beacon) UnmarshalBinary(data []byte) error {
	if len(data) < BeaconSize {
		return ErrBufferTruncated
	}
	b.Time = binary.LittleEndian.Uint32(data[beaconTimeOffset : beaconTimeOffset+4])
	copy(b.GatewaySpecific[:], data[beaconGwSpecOffset:beaconCRC2Offset])
	return nil
}

// PatchGatewaySpecific overwrites the gateway-specific part of an encoded
// beacon and zeroes the trailing CRC. data must be BeaconSize bytes long.
func PatchGatewaySpecific(data []byte, spec [7]byte) error {
	if len(data) < BeaconSize {
		return ErrBufferTruncated
	}
	copy(data[beaconGwSpecOffset:beaconCRC2Offset], spec[:])
	data[beaconCRC2Offset] = 0
	data[beaconCRC2Offset+1] = 0
	return nil
}
