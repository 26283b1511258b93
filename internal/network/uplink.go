package network

import (
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// HandleUplink processes an uplink frame relayed by gw. The frame payload
// starts with the frame header including the port.
func (s *Server) HandleUplink(gw Gateway, f *radio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addGateway(gw)
	now := s.sched.Now()

	var fhdr lorawan.UplinkFrameHeader
	if _, err := fhdr.UnmarshalBinary(f.Payload, true); err != nil {
		s.logger.Warn().Err(err).Str("gateway", gw.ID()).Msg("dropping undecodable uplink")
		return
	}
	addr := fhdr.DevAddr

	sess, ok := s.sessions[addr]
	if !ok {
		s.logger.Warn().Str("devAddr", addr.String()).Msg("uplink from unregistered device, creating session")
		sess = s.newSession(addr)
	}
	sess.stats.usPackets++

	// 超过去重窗口视为新的一次上行，重置网关列表
	if now-sess.LastSeen > s.opts.DedupWindow {
		sess.LastGateways = sess.LastGateways[:0]
	}
	sess.addGateway(gw)

	processAck := true
	fCnt := sess.fullFCntUp(fhdr.FCnt)
	if sess.seen && fCnt <= sess.FCntUp {
		if now-sess.LastSeen <= s.opts.DedupWindow {
			// same transmission heard by another gateway
			sess.stats.usDuplicates++
			s.opts.Metrics.Uplink(metrics.UplinkDuplicate)
			s.logger.Info().
				Str("devAddr", addr.String()).
				Str("gateway", gw.ID()).
				Uint32("fCnt", fCnt).
				Uint32("fCntUp", sess.FCntUp).
				Dur("simTime", now).
				Msg("duplicate uplink dropped")
			return
		}
		// the device did not get our answer and sent the frame again
		sess.stats.usRetransmissions++
		s.opts.Metrics.Uplink(metrics.UplinkRetransmission)
		processAck = false
	} else {
		sess.stats.usUnique++
		sess.FCntUp = fCnt
		s.opts.Metrics.Uplink(metrics.UplinkNew)
	}
	sess.seen = true
	sess.LastSeen = now

	if phy, ok := f.Phy(); ok {
		sess.LastChannel = phy.Channel
		sess.LastDataRate = phy.DataRate
		sess.LastCodeRate = phy.CodeRate
	} else {
		s.logger.Warn().Str("devAddr", addr.String()).Msg("uplink without phy tag")
	}

	mtype, ok := f.MType()
	if ok {
		if mtype.IsConfirmed() {
			sess.SetAck = true
		}
	} else {
		s.logger.Warn().Str("devAddr", addr.String()).Msg("uplink without message type tag")
	}

	s.logger.Debug().
		Str("devAddr", addr.String()).
		Str("gateway", gw.ID()).
		Uint32("fCnt", fCnt).
		Bool("ack", fhdr.Ack).
		Bool("classB", fhdr.ClassB).
		Dur("simTime", now).
		Msg("uplink received")
	s.emit(models.EventTypeUSMsgReceived, models.EventLevelInfo, addr, gw.ID(), "", models.Variables{
		"fCnt":    fCnt,
		"mType":   mtype.String(),
		"retrans": !processAck,
	})

	if processAck && fhdr.Ack {
		s.handleAck(sess)
	}

	s.updateClassB(sess, fhdr.ClassB)

	// a newer uplink supersedes the RW2 of the previous one
	if sess.rw2.IsRunning() {
		s.sched.Cancel(sess.rw2)
	}
	sess.rw2Pending = false
	if sess.rw1.IsRunning() {
		s.violation("double_rw1", "RW1 timer already scheduled", addr)
		s.sched.Cancel(sess.rw1)
	}
	sess.rw1 = s.sched.Schedule(s.opts.ReceiveDelay1, func() { s.rw1Expired(addr) })
	sess.rw1Pending = true
}

func (s *Server) handleAck(sess *DeviceSession) {
	sess.stats.usAcks++

	if len(sess.Queue) == 0 {
		// the device re-acknowledged a downlink whose answer it missed
		s.logger.Warn().Str("devAddr", sess.Addr.String()).Msg("uplink acknowledges, but no downlink is queued")
		return
	}
	head := sess.Queue[0]
	if head.MType != lorawan.ConfirmedDataDown {
		s.logger.Error().
			Str("devAddr", sess.Addr.String()).
			Str("mType", head.MType.String()).
			Msg("uplink acknowledges, but the queued downlink is not confirmed")
		return
	}

	sess.stats.dsAckd++
	s.opts.Metrics.DownlinkAcked()
	s.emit(models.EventTypeDSMsgAckd, models.EventLevelInfo, sess.Addr, "", "", models.Variables{
		"remaining": head.Remaining,
	})
	sess.popQueue()
}

// updateClassB follows the Class B bit of the device's uplinks, starting or
// stopping the Class B downlink generators.
func (s *Server) updateClassB(sess *DeviceSession, classB bool) {
	if !s.opts.GenerateClassBDataDown {
		return
	}
	addr := sess.Addr

	switch {
	case classB && !sess.IsClassB:
		sess.IsClassB = true
		sess.PingSlots = lorawan.NumPingSlots(sess.PingPeriodicity)
		sess.ClassBDataRate = s.opts.ClassBDataRate

		d := sim.Seconds(s.opts.ClassBDownstream.Sample(s.opts.Rand))
		sess.classBDSTimer = s.sched.Schedule(d, func() { s.classBDSTimerExpired(addr) })
		iat := sim.Seconds(s.opts.ClassBDownstreamIAT.Sample(s.opts.Rand))
		sess.classBScheduleTimer = s.sched.Schedule(iat, func() { s.classBScheduleExpiry(addr) })

		s.logger.Info().Str("devAddr", addr.String()).Int("pingSlots", sess.PingSlots).Msg("device switched to class B")
		s.opts.Metrics.SetClassBDevices(s.classBCount())

	case !classB && sess.IsClassB:
		sess.IsClassB = false
		s.sched.Cancel(sess.classBDSTimer)
		s.sched.Cancel(sess.classBScheduleTimer)

		s.logger.Info().Str("devAddr", addr.String()).Msg("device switched back to class A")
		s.opts.Metrics.SetClassBDevices(s.classBCount())
	}
}

func (s *Server) classBCount() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.IsClassB {
			n++
		}
	}
	return n
}

// rw1Expired tries to answer in the first receive window, on the uplink
// channel, through the gateways that heard the uplink. When none can send
// it falls back to RW2.
func (s *Server) rw1Expired(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "RW1 expired for unknown device")
	if !ok {
		return
	}
	sess.rw1Pending = false

	dr, err := s.region.GetRX1DataRateOffset(sess.LastDataRate, sess.RX1DROffset)
	if err != nil {
		s.logger.Warn().Err(err).Str("devAddr", addr.String()).Msg("no RX1 data rate")
		dr = sess.LastDataRate
	}
	for _, gw := range sess.LastGateways {
		if gw.CanSendImmediatelyOnChannel(sess.LastChannel, dr) {
			s.sendDownlink(sess, gw, WindowRW1)
			return
		}
	}

	s.logger.Debug().Str("devAddr", addr.String()).Msg("no gateway available in RW1")
	if sess.haveSomethingToSend() {
		sess.stats.rw1Missed++
		s.opts.Metrics.WindowMissed(metrics.WindowRW1)
	}

	if sess.rw2.IsRunning() {
		s.violation("double_rw2", "RW2 timer already scheduled", addr)
		s.sched.Cancel(sess.rw2)
	}
	sess.rw2 = s.sched.At(sess.LastSeen+s.opts.ReceiveDelay2, func() { s.rw2Expired(addr) })
	sess.rw2Pending = true
}

// rw2Expired tries to answer in the second receive window on the region's
// fixed RW2 channel and data rate.
func (s *Server) rw2Expired(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "RW2 expired for unknown device")
	if !ok {
		return
	}
	sess.rw2Pending = false

	for _, gw := range sess.LastGateways {
		if gw.CanSendImmediatelyOnChannel(s.region.RX2Channel, s.region.RX2DR) {
			s.sendDownlink(sess, gw, WindowRW2)
			return
		}
	}

	if sess.haveSomethingToSend() {
		sess.stats.rw2Missed++
		s.opts.Metrics.WindowMissed(metrics.WindowRW2)
		s.logger.Info().
			Str("devAddr", addr.String()).
			Dur("simTime", s.sched.Now()).
			Msg("no gateway available in RW1 and RW2, downlink deferred")
	}
}
