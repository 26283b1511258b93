package device

import (
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// HandleDownlink is the radio receiver of the device. The frame is
// classified by the window that was open when it started.
func (d *EndDevice) HandleDownlink(f *radio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mt, ok := f.MType()
	if !ok {
		d.logger.Warn().Msg("downlink without message type")
	}

	switch d.state {
	case StateAwaitingRW1, StateAwaitingRW2:
		window := metrics.WindowRW1
		if d.state == StateAwaitingRW1 {
			d.stats.rx1++
		} else {
			window = metrics.WindowRW2
			d.stats.rx2++
		}
		d.sched.Cancel(d.windowTimer)
		d.sched.Cancel(d.rw2Timer)
		d.receiveData(f, mt, window)
		d.goIdle()

	case StateClassBPing:
		d.stats.classBDown++
		d.sched.Cancel(d.windowTimer)
		d.receiveData(f, mt, metrics.WindowPing)
		d.goIdle()

	case StateBeaconRX:
		if mt != lorawan.BeaconFrame {
			d.logger.Warn().Str("mType", mt.String()).Msg("unexpected frame in beacon window")
			return
		}
		var b lorawan.Beacon
		if err := b.UnmarshalBinary(f.Payload); err != nil {
			d.logger.Warn().Err(err).Msg("decode beacon")
			return
		}
		d.stats.beacons++
		d.beaconTimestamp = beaconTime(b.Time)
		d.beaconReceived = true
		d.opts.Metrics.DeviceDownlink(metrics.WindowBeacon)
		d.logger.Debug().Dur("simTime", d.sched.Now()).Uint32("time", b.Time).Msg("beacon received")
		d.emit(models.EventTypeDSMsgReceived, models.EventLevelDebug, "beacon received", models.Variables{
			"window": metrics.WindowBeacon,
			"time":   b.Time,
		})

	default:
		d.logger.Warn().Str("state", d.state.String()).Str("mType", mt.String()).Msg("unexpected downlink")
	}
}

// receiveData decodes a data downlink. A confirmed downlink makes the next
// uplink carry an Ack.
func (d *EndDevice) receiveData(f *radio.Frame, mt lorawan.MType, window string) {
	var hdr lorawan.DownlinkFrameHeader
	n, err := hdr.UnmarshalBinary(f.Payload, len(f.Payload) > lorawan.FHDRCoreSize)
	if err != nil {
		d.logger.Warn().Err(err).Str("window", window).Msg("decode downlink header")
		return
	}
	if hdr.DevAddr != d.opts.Addr {
		d.logger.Warn().Str("addr", hdr.DevAddr.String()).Msg("downlink for another device")
	}

	d.stats.bytesReceived += uint64(len(f.Payload) - n)
	if mt.IsConfirmed() {
		d.setAck = true
	}
	d.opts.Metrics.DeviceDownlink(window)

	d.logger.Info().
		Dur("simTime", d.sched.Now()).
		Str("window", window).
		Uint16("fCnt", hdr.FCnt).
		Bool("ack", hdr.Ack).
		Int("bytes", len(f.Payload)-n).
		Msg("downlink received")

	d.emit(models.EventTypeDSMsgReceived, models.EventLevelInfo, "downlink received", models.Variables{
		"window":    window,
		"fCnt":      hdr.FCnt,
		"mType":     mt.String(),
		"ack":       hdr.Ack,
		"confirmed": mt.IsConfirmed(),
	})
}
