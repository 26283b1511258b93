package network

import (
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/internal/traffic"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// application port of generated downlinks
const generatedFPort = 1

// dsTimerExpired generates a Class A downlink for addr and schedules the next one
func (s *Server) dsTimerExpired(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "downlink generator for unknown device")
	if !ok {
		return
	}

	payload, err := traffic.Payload(s.opts.Counter, s.opts.PacketSize)
	if err != nil {
		s.logger.Error().Err(err).Str("devAddr", addr.String()).Msg("cannot generate downlink")
	} else {
		e := DownlinkElement{
			Payload:   payload,
			FPort:     generatedFPort,
			MType:     lorawan.UnconfirmedDataDown,
			Remaining: 1,
		}
		if s.opts.ConfirmedDataDown {
			e.MType = lorawan.ConfirmedDataDown
			e.Remaining = s.opts.DSTransmissions
		}
		sess.Queue = append(sess.Queue, e)
		sess.stats.dsGenerated++
		s.opts.Metrics.DownlinkGenerated(metrics.ClassA)
		s.emit(models.EventTypeDSMsgGenerated, models.EventLevelDebug, addr, "", "", models.Variables{
			"mType":       e.MType.String(),
			"queueLength": len(sess.Queue),
		})
	}

	d := sim.Seconds(s.opts.DownstreamIAT.Sample(s.opts.Rand))
	sess.dsTimer = s.sched.Schedule(d, func() { s.dsTimerExpired(addr) })
}

// classBScheduleExpiry starts one Class B generation per inter-arrival
// period, at a random point inside it.
func (s *Server) classBScheduleExpiry(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "class B schedule for unknown device")
	if !ok || !sess.IsClassB {
		return
	}

	d := sim.Seconds(s.opts.ClassBDownstream.Sample(s.opts.Rand))
	sess.classBDSTimer = s.sched.Schedule(d, func() { s.classBDSTimerExpired(addr) })
	iat := sim.Seconds(s.opts.ClassBDownstreamIAT.Sample(s.opts.Rand))
	sess.classBScheduleTimer = s.sched.Schedule(iat, func() { s.classBScheduleExpiry(addr) })
}

// classBDSTimerExpired queues one unconfirmed Class B downlink
func (s *Server) classBDSTimerExpired(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "class B generator for unknown device")
	if !ok || !sess.IsClassB {
		return
	}

	payload, err := traffic.Payload(s.opts.Counter, s.opts.ClassBPacketSize)
	if err != nil {
		s.logger.Error().Err(err).Str("devAddr", addr.String()).Msg("cannot generate class B downlink")
		return
	}
	sess.ClassBQueue = append(sess.ClassBQueue, DownlinkElement{
		Payload:   payload,
		FPort:     generatedFPort,
		MType:     lorawan.UnconfirmedDataDown,
		Remaining: 1,
	})
	sess.stats.classBGenerated++
	s.opts.Metrics.DownlinkGenerated(metrics.ClassB)
	s.emit(models.EventTypeDSMsgGenerated, models.EventLevelDebug, addr, "", "", models.Variables{
		"classB":      true,
		"queueLength": len(sess.ClassBQueue),
	})
}
