package lorawan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePingOffsetFixtures(t *testing.T) {
	// vectors produced with an independent AES-128-ECB implementation
	tests := []struct {
		beaconTime uint32
		addr       uint32
		numSlots   int
		want       uint16
	}{
		{0, 0x00000000, 1, 2406},
		{128, 0x01020304, 2, 1448},
		{1280, 0x26011BDA, 2, 22},
		{3840, 0xFFFFFFFF, 128, 18},
		{1000000000, 0x00000001, 8, 119},
	}

	for _, tt := range tests {
		got, err := ComputePingOffset(tt.beaconTime, DevAddrFromUint32(tt.addr), tt.numSlots)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "time=%d addr=%08x slots=%d", tt.beaconTime, tt.addr, tt.numSlots)
	}
}

func TestComputePingOffsetInvalidSlots(t *testing.T) {
	for _, n := range []int{0, 3, 6, 129, 256, -2} {
		_, err := ComputePingOffset(0, DevAddr{}, n)
		assert.ErrorIs(t, err, ErrInvalidPingSlots, "numSlots=%d", n)
	}
}

func TestPingSlots(t *testing.T) {
	addr := DevAddrFromUint32(0x26011BDA)

	slots, err := PingSlots(1280, addr, 2)
	require.NoError(t, err)
	require.Len(t, slots, 2)

	assert.Equal(t, uint16(22), slots[0].Index)
	assert.Equal(t, uint16(22+2048), slots[1].Index)
	assert.Equal(t, BeaconReserved+22*PingSlotLength, slots[0].Offset)
	assert.Equal(t, BeaconReserved+2070*PingSlotLength, slots[1].Offset)

	for _, s := range slots {
		assert.Less(t, s.Offset, BeaconPeriod)
	}
}

func TestPingSlotsStayInsideBeaconPeriod(t *testing.T) {
	for periodicity := uint8(0); periodicity <= 7; periodicity++ {
		n := NumPingSlots(periodicity)
		for ts := uint32(0); ts < 128*50; ts += 128 {
			slots, err := PingSlots(ts, DevAddrFromUint32(ts*7919), n)
			require.NoError(t, err)
			require.Len(t, slots, n)
			last := slots[len(slots)-1]
			assert.Less(t, int(last.Index), PingPeriodSlots)
			assert.Less(t, last.Offset+PingSlotLength, BeaconPeriod)
		}
	}
}

func TestNumPingSlots(t *testing.T) {
	assert.Equal(t, 128, NumPingSlots(0))
	assert.Equal(t, 2, NumPingSlots(6))
	assert.Equal(t, 1, NumPingSlots(7))
	assert.Equal(t, 1, NumPingSlots(9))
}

func TestPingSlotTime(t *testing.T) {
	assert.Equal(t, 2120*time.Millisecond, PingSlotTime(0))
	assert.Equal(t, 2150*time.Millisecond, PingSlotTime(1))
	assert.Equal(t, 2120*time.Millisecond+4095*30*time.Millisecond, PingSlotTime(4095))
}
