package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// One device sends three uplinks 900s apart while a confirmed downlink with
// three transmissions is queued. The first answer goes out in RW2, the second
// in RW1 and the third uplink acknowledges it.
func TestThreeUplinkScenario(t *testing.T) {
	ctx := context.Background()
	sched, s := newTestServer(Options{DSTransmissions: 3})
	region := lorawan.MustRegion("EU868")

	gw := newFakeGateway("gw1", sched)
	rw1Blocked := true
	gw.canSend = func(ch, _ uint8) bool {
		return ch == region.RX2Channel || !rw1Blocked
	}
	s.RegisterDevice(testAddr)
	s.AssignInitialGateway(gw)
	require.NoError(t, s.EnqueueDownlink(testAddr, []byte{0xC0, 0xFF, 0xEE}, 1, true, false))

	var fCntUp uint16
	send := func(ack bool) {
		fCntUp++
		s.HandleUplink(gw, uplinkFrame(t, testAddr, fCntUp, lorawan.UnconfirmedDataUp, ack, false))
	}

	sched.At(0, func() { send(false) })
	require.NoError(t, sched.RunUntil(ctx, 3*time.Second))

	require.Len(t, gw.sent, 1)
	assert.Equal(t, 2*time.Second, gw.sent[0].at)
	phy, _ := gw.sent[0].frame.Phy()
	assert.Equal(t, region.RX2Channel, phy.Channel)
	require.Len(t, s.sessions[testAddr].Queue, 1)
	assert.Equal(t, 2, s.sessions[testAddr].Queue[0].Remaining)

	rw1Blocked = false
	sched.At(900*time.Second, func() { send(false) })
	require.NoError(t, sched.RunUntil(ctx, 902*time.Second))

	require.Len(t, gw.sent, 2)
	assert.Equal(t, 901*time.Second, gw.sent[1].at)
	phy, _ = gw.sent[1].frame.Phy()
	assert.Equal(t, uint8(2), phy.Channel)
	h := decodeDownlink(t, gw.sent[1].frame, true)
	assert.Equal(t, uint16(2), h.FCnt)
	require.Len(t, s.sessions[testAddr].Queue, 1)
	assert.Equal(t, 1, s.sessions[testAddr].Queue[0].Remaining)

	sched.At(1800*time.Second, func() { send(true) })
	require.NoError(t, sched.RunUntil(ctx, 1810*time.Second))

	assert.Len(t, gw.sent, 2, "nothing left to send after the ack")
	assert.Empty(t, s.sessions[testAddr].Queue)

	d := deviceSummary(t, s, testAddr)
	assert.Equal(t, uint64(3), d.USUnique)
	assert.Equal(t, uint64(2), d.DSSent)
	assert.Equal(t, uint64(1), d.RW1Missed)
	assert.Equal(t, uint64(1), d.RW1Sent)
	assert.Equal(t, uint64(1), d.RW2Sent)
	assert.Equal(t, uint64(1), d.DSRetransmissions)
	assert.Equal(t, uint64(1), d.DSAckd)
	assert.Zero(t, d.DSDropped)
}
