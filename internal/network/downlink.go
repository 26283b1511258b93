package network

import (
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// SendDownlink sends the head of the Class A queue of addr through gw in the
// given receive window. With an empty queue and a pending acknowledgement an
// empty frame carrying the Ack bit is sent instead.
func (s *Server) SendDownlink(addr lorawan.DevAddr, gw Gateway, window ReceiveWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.session(addr, "downlink for unknown device")
	if !ok {
		return
	}
	s.sendDownlink(sess, gw, window)
}

func (s *Server) sendDownlink(sess *DeviceSession, gw Gateway, window ReceiveWindow) {
	addr := sess.Addr

	var channel, dataRate uint8
	switch window {
	case WindowRW1:
		dr, err := s.region.GetRX1DataRateOffset(sess.LastDataRate, sess.RX1DROffset)
		if err != nil {
			dr = sess.LastDataRate
		}
		channel, dataRate = sess.LastChannel, dr
	case WindowRW2:
		channel, dataRate = s.region.RX2Channel, s.region.RX2DR
	default:
		s.violation("invalid_window", "downlink requested outside RW1 and RW2", addr)
		return
	}

	var (
		elem   DownlinkElement
		remove bool
	)
	if len(sess.Queue) > 0 {
		head := &sess.Queue[0]
		if head.MType == lorawan.ConfirmedDataDown {
			if head.IsRetransmission {
				sess.stats.dsRetransmissions++
			}
			if head.Remaining > 0 {
				head.Remaining--
			}
			head.IsRetransmission = true
			// no answer expected after the last attempt
			if head.Remaining == 0 {
				remove = true
			}
		} else {
			remove = true
		}
		elem = *head
	} else {
		if !sess.SetAck {
			s.logger.Info().Str("devAddr", addr.String()).Str("window", window.String()).Msg("nothing to send")
			return
		}
		elem = DownlinkElement{MType: lorawan.UnconfirmedDataDown}
	}

	fhdr := lorawan.DownlinkFrameHeader{
		DevAddr:      addr,
		Ack:          sess.SetAck,
		FramePending: sess.FramePending,
	}
	sess.FCntDown++
	fhdr.FCnt = uint16(sess.FCntDown)
	if elem.FPort > 0 {
		fhdr.FPort = lorawan.Port(elem.FPort)
	}
	hdr, err := fhdr.MarshalBinary()
	if err != nil {
		s.logger.Error().Err(err).Str("devAddr", addr.String()).Msg("encode downlink header")
		return
	}

	f := radio.NewFrame(elem.Payload)
	f.PushHeader(hdr)
	f.SetPhy(radio.PhyParams{
		Channel:  channel,
		DataRate: dataRate,
		CodeRate: sess.LastCodeRate,
		Preamble: lorawan.DefaultPreambleLength,
	})
	f.SetMType(elem.MType)

	sess.stats.dsSent++
	if window == WindowRW1 {
		sess.stats.rw1Sent++
	} else {
		sess.stats.rw2Sent++
	}
	if sess.SetAck {
		sess.stats.dsAcks++
	}
	sess.lastDSGateway = gw.ID()
	s.opts.Metrics.DownlinkSent(window.String())

	s.logger.Debug().
		Str("devAddr", addr.String()).
		Str("gateway", gw.ID()).
		Str("window", window.String()).
		Str("mType", elem.MType.String()).
		Uint32("fCnt", sess.FCntDown).
		Bool("ack", sess.SetAck).
		Dur("simTime", s.sched.Now()).
		Msg("sending downlink")
	s.emit(models.EventTypeDSMsgTransmitted, models.EventLevelInfo, addr, gw.ID(), "", models.Variables{
		"window":    window.String(),
		"fCnt":      sess.FCntDown,
		"mType":     elem.MType.String(),
		"remaining": elem.Remaining,
	})

	if err := gw.SendDownlink(f); err != nil {
		s.logger.Warn().Err(err).Str("devAddr", addr.String()).Str("gateway", gw.ID()).Msg("gateway failed to send downlink")
	}
	sess.SetAck = false

	if remove {
		if elem.MType == lorawan.ConfirmedDataDown {
			sess.stats.dsDropped++
			s.opts.Metrics.DownlinkDropped()
			s.emit(models.EventTypeDSMsgDropped, models.EventLevelWarning, addr, gw.ID(), "no transmissions left", nil)
		}
		sess.popQueue()
	}
}
