package events

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// SubjectPrefix is the root of every subject used by the simulator
const SubjectPrefix = "lorawan-sim"

// Subject returns the subject an event is published on:
// lorawan-sim.<run>.<type>, with the type in lower case.
func Subject(e *models.Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, e.RunID, strings.ToLower(string(e.Type)))
}

// DownlinkSubject returns the subject downlink requests for a run are read from
func DownlinkSubject(runID string) string {
	return fmt.Sprintf("%s.%s.downlink", SubjectPrefix, runID)
}

// NATSPublisher publishes events as JSON on NATS
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a publisher on an established connection
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish implements Publisher. nats.Conn buffers the message, so this
// never waits for the server.
func (p *NATSPublisher) Publish(e *models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(e), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// ErrReservedFPort is returned for a downlink with data on FPort 0
var ErrReservedFPort = errors.New("fPort 0 is reserved for MAC commands")

// DownlinkEnqueuer accepts downlinks for a device. *network.Server
// implements it.
type DownlinkEnqueuer interface {
	EnqueueDownlink(addr lorawan.DevAddr, payload []byte, fPort uint8, confirmed, classB bool) error
}

// DownlinkRequest is the JSON body of a downlink request
type DownlinkRequest struct {
	DevAddr   string `json:"devAddr"`
	FPort     uint8  `json:"fPort"`
	Data      string `json:"data"` // hex
	Confirmed bool   `json:"confirmed"`
	ClassB    bool   `json:"classB"`
}

// Enqueue validates the request and hands it to q
func (r DownlinkRequest) Enqueue(q DownlinkEnqueuer) error {
	addr, err := lorawan.ParseDevAddr(r.DevAddr)
	if err != nil {
		return fmt.Errorf("parse devAddr: %w", err)
	}
	payload, err := hex.DecodeString(r.Data)
	if err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	if r.FPort == 0 && len(payload) > 0 {
		return ErrReservedFPort
	}
	return q.EnqueueDownlink(addr, payload, r.FPort, r.Confirmed, r.ClassB)
}

// NATSSubscriber reads downlink requests from NATS and queues them on the
// network server while the simulation runs.
type NATSSubscriber struct {
	nc    *nats.Conn
	runID string
	queue DownlinkEnqueuer
	subs  []*nats.Subscription
}

// NewNATSSubscriber creates a subscriber for one run
func NewNATSSubscriber(nc *nats.Conn, runID string, queue DownlinkEnqueuer) *NATSSubscriber {
	return &NATSSubscriber{
		nc:    nc,
		runID: runID,
		queue: queue,
		subs:  make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(DownlinkSubject(s.runID), s.handleDownlink)
	if err != nil {
		return fmt.Errorf("subscribe downlink: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Str("subject", sub.Subject).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleDownlink 处理下行请求
func (s *NATSSubscriber) handleDownlink(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received downlink request")

	var req DownlinkRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal downlink request")
		return
	}

	if err := req.Enqueue(s.queue); err != nil {
		log.Error().Err(err).Str("devAddr", req.DevAddr).Msg("Failed to enqueue downlink")
		return
	}

	log.Info().
		Str("devAddr", req.DevAddr).
		Uint8("fPort", req.FPort).
		Bool("confirmed", req.Confirmed).
		Bool("classB", req.ClassB).
		Msg("Downlink request queued")
}
