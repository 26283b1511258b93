package network

import (
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// StartBeacons schedules the first beacon at the next multiple of the beacon
// period, which is now when now is one. Further beacons follow every period.
func (s *Server) StartBeacons() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.beaconTimer.IsRunning() {
		return
	}
	now := s.sched.Now()
	next := (now + lorawan.BeaconPeriod - 1) / lorawan.BeaconPeriod * lorawan.BeaconPeriod
	s.beaconTimer = s.sched.At(next, s.ClassBSendBeacon)
}

// StopBeacons cancels the pending beacon
func (s *Server) StopBeacons() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.Cancel(s.beaconTimer)
}

// ClassBSendBeacon broadcasts a beacon through every gateway able to send on
// the beacon channel, then computes and schedules the ping slots of every
// Class B device for the new beacon period.
func (s *Server) ClassBSendBeacon() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, gw := range s.gateways {
		gw.ClearPingSlotQueues()
	}

	now := s.sched.Now()
	s.beacons++
	beacon := lorawan.Beacon{Time: lorawan.BeaconTime(now)}
	payload, _ := beacon.MarshalBinary()

	sent := 0
	for _, gw := range s.gateways {
		if !gw.CanSendImmediatelyOnChannel(s.region.BeaconChannel, s.region.BeaconDR) {
			s.beaconFailures++
			s.opts.Metrics.Beacon(metrics.BeaconFailed)
			s.logger.Warn().Str("gateway", gw.ID()).Dur("simTime", now).Msg("gateway unable to send beacon")
			continue
		}
		if err := gw.SendBeacon(payload); err != nil {
			s.beaconFailures++
			s.opts.Metrics.Beacon(metrics.BeaconFailed)
			s.logger.Warn().Err(err).Str("gateway", gw.ID()).Msg("send beacon")
			continue
		}
		sent++
		s.opts.Metrics.Beacon(metrics.BeaconSent)
	}
	s.logger.Debug().Uint32("beaconTime", beacon.Time).Int("gateways", sent).Dur("simTime", now).Msg("beacon sent")
	s.emit(models.EventTypeBeaconSent, models.EventLevelDebug, lorawan.DevAddr{}, "", "", models.Variables{
		"beaconTime": beacon.Time,
		"gateways":   sent,
	})

	for _, addr := range s.order {
		sess := s.sessions[addr]
		if !sess.IsClassB {
			continue
		}
		if len(sess.LastGateways) == 0 {
			s.logger.Warn().Str("devAddr", addr.String()).Msg("class B device without gateway, no ping slots")
			continue
		}
		slots, err := lorawan.PingSlots(beacon.Time, addr, sess.PingSlots)
		if err != nil {
			s.violation("ping_slots", err.Error(), addr)
			continue
		}

		// TODO: fall back to the other gateways of the device when the first one is congested
		gw := sess.LastGateways[0]
		for _, slot := range slots {
			slot := slot
			gw.RequestPingSlot(slot.Index, addr)
			s.sched.At(now+slot.Offset, func() { s.ClassBPingSlot(addr, slot.Index) })
		}
		s.logger.Debug().
			Str("devAddr", addr.String()).
			Str("gateway", gw.ID()).
			Uint16("offset", slots[0].Index).
			Int("slots", len(slots)).
			Msg("ping slots scheduled")
	}

	s.beaconTimer = s.sched.Schedule(lorawan.BeaconPeriod, s.ClassBSendBeacon)
}

// ClassBPingSlot sends the head of the Class B queue of addr in the given
// ping slot, unless an earlier registered device with pending traffic owns
// the slot or the gateway is in its duty cycle off period.
func (s *Server) ClassBPingSlot(addr lorawan.DevAddr, slot uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "ping slot for unknown device")
	if !ok {
		return
	}
	if len(sess.ClassBQueue) == 0 {
		s.opts.Metrics.PingSlot(metrics.PingEmpty)
		return
	}
	if len(sess.LastGateways) == 0 {
		s.violation("ping_without_gateway", "ping slot for device without gateway", addr)
		return
	}
	gw := sess.LastGateways[0]

	hasPending := func(a lorawan.DevAddr) bool {
		other, ok := s.sessions[a]
		return ok && len(other.ClassBQueue) > 0
	}
	if !gw.IsTopOfPingSlotQueue(slot, addr, hasPending) {
		gw.RecordPingSlot(slot, metrics.PingCollision)
		s.opts.Metrics.PingSlot(metrics.PingCollision)
		s.logger.Info().Str("devAddr", addr.String()).Uint16("slot", slot).Msg("ping slot taken by another device")
		return
	}
	if !gw.CanSendImmediatelyOnChannel(sess.ClassBChannel, sess.ClassBDataRate) {
		gw.RecordPingSlot(slot, metrics.PingDutyCycle)
		s.opts.Metrics.PingSlot(metrics.PingDutyCycle)
		s.logger.Info().Str("devAddr", addr.String()).Uint16("slot", slot).Msg("ping slot lost to duty cycle")
		return
	}

	elem := sess.ClassBQueue[0]
	sess.FCntDown++
	fhdr := lorawan.DownlinkFrameHeader{
		DevAddr:      addr,
		Ack:          sess.SetAck,
		FramePending: sess.FramePending,
		FCnt:         uint16(sess.FCntDown),
	}
	if elem.FPort > 0 {
		fhdr.FPort = lorawan.Port(elem.FPort)
	}
	hdr, err := fhdr.MarshalBinary()
	if err != nil {
		s.logger.Error().Err(err).Str("devAddr", addr.String()).Msg("encode ping downlink header")
		return
	}

	f := radio.NewFrame(elem.Payload)
	f.PushHeader(hdr)
	f.SetPhy(radio.PhyParams{
		Channel:  sess.ClassBChannel,
		DataRate: sess.ClassBDataRate,
		CodeRate: sess.ClassBCodeRate,
		Preamble: lorawan.DefaultPreambleLength,
	})
	f.SetMType(elem.MType)

	sess.stats.classBSent++
	sess.lastDSGateway = gw.ID()
	gw.RecordPingSlot(slot, metrics.PingUsed)
	s.opts.Metrics.PingSlot(metrics.PingUsed)
	s.opts.Metrics.DownlinkSent(metrics.WindowPing)

	s.logger.Debug().
		Str("devAddr", addr.String()).
		Str("gateway", gw.ID()).
		Uint16("slot", slot).
		Uint32("fCnt", sess.FCntDown).
		Dur("simTime", s.sched.Now()).
		Msg("sending ping slot downlink")
	s.emit(models.EventTypeDSMsgTransmitted, models.EventLevelInfo, addr, gw.ID(), "", models.Variables{
		"window": metrics.WindowPing,
		"slot":   slot,
		"fCnt":   sess.FCntDown,
	})

	if err := gw.SendDownlink(f); err != nil {
		s.logger.Warn().Err(err).Str("devAddr", addr.String()).Msg("gateway failed to send ping downlink")
	}
	sess.popClassBQueue()
}
