package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"time"
)

// pingSlotKey keys the ping offset permutation. It is all zeros on purpose:
// the AES block is used as a pseudo-random function shared by the network
// server and every device, not as a security mechanism. Changing it breaks
// slot agreement with devices using the same derivation.
var pingSlotKey [16]byte

// PingPeriodSlots is the number of slot positions in a beacon window (2^12)
const PingPeriodSlots = 4096

// PingSlot is one scheduled ping slot of a device within a beacon period
type PingSlot struct {
	// Index is the slot position in [0, 4096)
	Index uint16
	// Offset is the time of the slot relative to the beacon start
	Offset time.Duration
}

// NumPingSlots returns the number of ping slots per beacon period for a
// ping periodicity in [0, 7].
func NumPingSlots(periodicity uint8) int {
	if periodicity > 7 {
		periodicity = 7
	}
	return 1 << (7 - periodicity)
}

func validPingSlots(n int) bool {
	return n >= 1 && n <= 128 && n&(n-1) == 0
}

// ComputePingOffset returns the ping offset of a device for the beacon with
// the given timestamp: AES128(0, time|devaddr|pad8)[0:2] mod period.
func ComputePingOffset(beaconTime uint32, addr DevAddr, numSlots int) (uint16, error) {
	if !validPingSlots(numSlots) {
		return 0, ErrInvalidPingSlots
	}

	block, err := aes.NewCipher(pingSlotKey[:])
	if err != nil {
		return 0, err
	}

	var buf [aes.BlockSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], beaconTime)
	addr.putWire(buf[4:8])
	block.Encrypt(buf[:], buf[:])

	period := PingPeriodSlots / numSlots
	return uint16((int(buf[0]) + int(buf[1])*256) % period), nil
}

// PingSlotTime returns the time of a slot position relative to the beacon
// start: BeaconReserved + index*PingSlotLength.
func PingSlotTime(slotIndex uint16) time.Duration {
	return BeaconReserved + time.Duration(slotIndex)*PingSlotLength
}

// PingSlots computes all ping slots of a device for one beacon period
func PingSlots(beaconTime uint32, addr DevAddr, numSlots int) ([]PingSlot, error) {
	offset, err := ComputePingOffset(beaconTime, addr, numSlots)
	if err != nil {
		return nil, err
	}

	period := PingPeriodSlots / numSlots
	slots := make([]PingSlot, numSlots)
	for i := range slots {
		idx := uint16(int(offset) + period*i)
		slots[i] = PingSlot{Index: idx, Offset: PingSlotTime(idx)}
	}
	return slots, nil
}
