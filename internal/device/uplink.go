package device

import (
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/internal/traffic"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// scheduleNextTx starts one uplink cycle: the next cycle begins after an
// inter-arrival interval and the uplink of this cycle goes out at a random
// offset. Once MaxBytes is reached the device stops.
func (d *EndDevice) scheduleNextTx() {
	if d.opts.MaxBytes > 0 && d.stats.bytesSent >= d.opts.MaxBytes {
		d.logger.Info().Uint64("bytes", d.stats.bytesSent).Msg("max bytes reached, stopping")
		d.stop()
		return
	}

	next := sim.Seconds(d.opts.UpstreamIAT.Sample(d.opts.Rand))
	d.sendTimer = d.after(next, d.scheduleNextTx)

	send := sim.Seconds(d.opts.UpstreamSend.Sample(d.opts.Rand))
	d.txTimer = d.after(send, d.sendPacket)
}

func (d *EndDevice) uplinkMType() lorawan.MType {
	if d.opts.Confirmed {
		return lorawan.ConfirmedDataUp
	}
	return lorawan.UnconfirmedDataUp
}

// sendPacket builds and transmits one uplink, then arms the receive windows
func (d *EndDevice) sendPacket() {
	if d.radio == nil {
		d.logger.Error().Msg("no radio connected")
		return
	}
	if d.state != StateIdle {
		d.logger.Debug().Str("state", d.state.String()).Msg("radio busy, uplink deferred")
		d.pendingUplink = true
		return
	}

	payload, err := traffic.Payload(d.opts.Counter, d.opts.PacketSize)
	if err != nil {
		d.logger.Error().Err(err).Int("packetSize", d.opts.PacketSize).Msg("build uplink payload")
		return
	}

	d.fCntUp++
	hdr := lorawan.UplinkFrameHeader{
		DevAddr: d.opts.Addr,
		Ack:     d.setAck,
		ClassB:  d.isClassB,
		FCnt:    uint16(d.fCntUp),
		FPort:   lorawan.Port(d.opts.FPort),
	}
	hb, err := hdr.MarshalBinary()
	if err != nil {
		d.logger.Error().Err(err).Msg("encode uplink header")
		return
	}

	channels := d.region.UplinkChannels()
	ch := channels[d.opts.Rand.Intn(len(channels))]

	f := radio.NewFrame(payload)
	f.PushHeader(hb)
	f.SetPhy(radio.PhyParams{
		Channel:  ch,
		DataRate: d.opts.DataRate,
		CodeRate: 1,
		Preamble: lorawan.DefaultPreambleLength,
	})
	mt := d.uplinkMType()
	f.SetMType(mt)

	d.stats.attempted++
	if !d.radio.CanSendNow(ch, d.opts.DataRate) {
		d.logger.Warn().Uint8("channel", ch).Uint32("fCnt", d.fCntUp).Msg("channel unavailable, uplink dropped")
		return
	}
	airtime, err := d.radio.Transmit(f)
	if err != nil {
		d.logger.Error().Err(err).Uint8("channel", ch).Uint32("fCnt", d.fCntUp).Msg("uplink transmit failed")
		return
	}

	d.setAck = false
	d.stats.bytesSent += uint64(f.Len())
	d.opts.Metrics.DeviceUplink()

	d.logger.Info().
		Dur("simTime", d.sched.Now()).
		Uint32("fCnt", d.fCntUp).
		Uint8("channel", ch).
		Int("bytes", f.Len()).
		Uint64("totalBytes", d.stats.bytesSent).
		Msg("uplink sent")

	d.emit(models.EventTypeUSMsgTransmitted, models.EventLevelInfo, "uplink transmitted", models.Variables{
		"fCnt":    d.fCntUp,
		"mType":   mt.String(),
		"channel": ch,
		"bytes":   f.Len(),
		"classB":  hdr.ClassB,
		"ack":     hdr.Ack,
	})

	d.uplinkChannel = ch
	d.state = StateAwaitingRW1
	txEnd := d.sched.Now() + airtime
	d.windowTimer = d.at(txEnd+d.opts.ReceiveDelay1, d.openRW1)
	d.rw2Timer = d.at(txEnd+d.opts.ReceiveDelay2, d.openRW2)
}

func (d *EndDevice) openRW1() {
	dr, err := d.region.GetRX1DataRateOffset(d.opts.DataRate, d.opts.RX1DROffset)
	if err != nil {
		d.logger.Error().Err(err).Msg("rx1 data rate")
		dr = d.opts.DataRate
	}
	d.state = StateAwaitingRW1
	d.radio.StartReceiving(d.uplinkChannel, dr, d.opts.WindowLength)
	d.windowTimer = d.after(d.opts.WindowLength, d.closeRW1)
}

func (d *EndDevice) closeRW1() {
	if _, busy := d.radio.Receiving(); busy {
		// the downlink is delivered when it ends, RW2 is not needed
		d.sched.Cancel(d.rw2Timer)
		return
	}
	d.radio.StopReceiving()
	d.state = StateAwaitingRW2
}

func (d *EndDevice) openRW2() {
	d.state = StateAwaitingRW2
	d.radio.StartReceiving(d.region.RX2Channel, d.region.RX2DR, d.opts.WindowLength)
	d.windowTimer = d.after(d.opts.WindowLength, d.closeRW2)
}

func (d *EndDevice) closeRW2() {
	if _, busy := d.radio.Receiving(); busy {
		return
	}
	d.radio.StopReceiving()
	d.goIdle()
}
