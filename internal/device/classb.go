package device

import (
	"time"

	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// receiveBeacon opens the beacon window at a beacon period boundary and
// arms the ping slot computation for when the beacon has been received.
func (d *EndDevice) receiveBeacon() {
	if !d.isClassB {
		return
	}
	d.beaconTimer = d.after(lorawan.BeaconPeriod, d.receiveBeacon)

	d.beaconReceived = false
	if d.state == StateIdle {
		d.state = StateBeaconRX
		d.radio.StartReceiving(d.region.BeaconChannel, d.region.BeaconDR, d.opts.WindowLength)
	} else {
		d.logger.Debug().Str("state", d.state.String()).Msg("radio busy, beacon window skipped")
	}
	d.pingScheduler = d.after(lorawan.BeaconAirtime, d.schedulePingSlots)
}

// schedulePingSlots computes the ping slots of this beacon period. Without
// a beacon the device extrapolates the beacon time from its own clock until
// too many beacons in a row have been missed, then it falls back to Class A.
func (d *EndDevice) schedulePingSlots() {
	if end, busy := d.radio.Receiving(); busy && d.state == StateBeaconRX {
		// the beacon is still on the air
		d.pingScheduler = d.at(end, d.schedulePingSlots)
		return
	}
	if d.state == StateBeaconRX {
		d.radio.StopReceiving()
		defer d.goIdle()
	}
	if !d.isClassB {
		return
	}

	now := d.sched.Now()
	if !d.beaconReceived {
		d.missedBeacons++
		d.stats.missedBeacons++
		d.opts.Metrics.MissedBeacon()

		if d.missedBeacons >= lorawan.MaxMissedBeacons {
			d.revertToClassA()
			return
		}
		d.beaconTimestamp = now - lorawan.BeaconAirtime
		d.logger.Debug().
			Dur("simTime", now).
			Int("missed", d.missedBeacons).
			Dur("timestamp", d.beaconTimestamp).
			Msg("beacon missed, extrapolating beacon time")
	} else {
		d.missedBeacons = 0
	}

	slots, err := lorawan.PingSlots(lorawan.BeaconTime(d.beaconTimestamp), d.opts.Addr, d.pingSlots)
	if err != nil {
		d.logger.Error().Err(err).Int("pingSlots", d.pingSlots).Msg("compute ping slots")
		return
	}

	d.cancelPingTimers()
	for _, slot := range slots {
		when := d.beaconTimestamp + slot.Offset
		if when < now {
			continue
		}
		d.pingTimers = append(d.pingTimers, d.at(when, d.pingSlot))
	}
	d.logger.Debug().Int("slots", len(d.pingTimers)).Uint16("first", slots[0].Index).Msg("ping slots scheduled")
}

// revertToClassA drops Class B after MaxMissedBeacons consecutive misses.
// The next uplink carries a cleared Class B bit.
func (d *EndDevice) revertToClassA() {
	d.isClassB = false
	d.sched.Cancel(d.beaconTimer)
	d.cancelPingTimers()
	d.opts.Metrics.ClassBReversion()

	d.logger.Warn().
		Dur("simTime", d.sched.Now()).
		Int("missed", d.missedBeacons).
		Msg("missed too many beacons, falling back to class A")
	d.emit(models.EventTypeClassBReverted, models.EventLevelWarning, "class B lost after missed beacons", models.Variables{
		"missedBeacons": d.missedBeacons,
	})
}

// pingSlot opens a Class B receive window of one slot length
func (d *EndDevice) pingSlot() {
	if !d.isClassB {
		return
	}
	if d.state != StateIdle {
		d.logger.Debug().Str("state", d.state.String()).Msg("radio busy, ping slot skipped")
		return
	}
	d.state = StateClassBPing
	d.radio.StartReceiving(d.region.PingChannel, d.opts.ClassBDataRate, lorawan.PingSlotLength)
	d.windowTimer = d.after(lorawan.PingSlotLength, d.closePingSlot)
}

func (d *EndDevice) closePingSlot() {
	if _, busy := d.radio.Receiving(); busy {
		return
	}
	d.radio.StopReceiving()
	d.goIdle()
}

// beaconTime converts a received beacon timestamp to simulated time
func beaconTime(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}
