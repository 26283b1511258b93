// Package simulation wires the scheduler, medium, network server, gateways
// and end devices of one run together and drives it to completion.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/device"
	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/gateway"
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/network"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/internal/storage"
	"github.com/lorawan-server/lorawan-sim/internal/traffic"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// FlushInterval is the simulated time between event flushes to the store
const FlushInterval = time.Minute

// Simulation is one configured run
type Simulation struct {
	cfg    *config.Config
	run    *models.Run
	logger zerolog.Logger

	sched    *sim.Scheduler
	medium   *radio.Medium
	server   *network.Server
	gateways []*gateway.Gateway
	devices  []*device.EndDevice

	metrics   *metrics.Collector
	store     storage.Store
	sink      *events.StoreSink
	publisher events.Publisher
}

// New builds a run from cfg. Events go to the store and to every publisher;
// collector may be nil.
func New(cfg *config.Config, store storage.Store, collector *metrics.Collector, publishers ...events.Publisher) (*Simulation, error) {
	region, err := lorawan.GetRegionConfiguration(cfg.Simulation.Region)
	if err != nil {
		return nil, err
	}
	dists, err := distributions(cfg)
	if err != nil {
		return nil, err
	}
	base := lorawan.DevAddrFromUint32(0x26011000)
	if cfg.Device.AddrBase != "" {
		if base, err = lorawan.ParseDevAddr(cfg.Device.AddrBase); err != nil {
			return nil, fmt.Errorf("parse addr base: %w", err)
		}
	}

	run := &models.Run{
		BaseModel: models.NewBaseModel(),
		Name:      cfg.Simulation.Name,
		Seed:      cfg.Simulation.Seed,
		Region:    cfg.Simulation.Region,
		Duration:  models.SimDuration(cfg.Simulation.Duration),
		Devices:   cfg.Simulation.Devices,
		Gateways:  cfg.Simulation.Gateways,
		Status:    models.RunStatusRunning,
	}

	s := &Simulation{
		cfg:     cfg,
		run:     run,
		logger:  log.With().Str("component", "simulation").Str("run", run.ID.String()).Logger(),
		sched:   sim.NewScheduler(),
		metrics: collector,
		store:   store,
		sink:    events.NewStoreSink(store, models.EventLevel(cfg.Database.EventLevel)),
	}
	s.publisher = events.Multi(append(publishers, s.sink))

	// stream order is part of the run's reproducibility
	streams := sim.NewStreams(cfg.Simulation.Seed)
	counter := traffic.NewCounter()

	s.server = network.NewServer(s.sched, network.Options{
		RunID:                  run.ID,
		Region:                 region,
		ReceiveDelay1:          cfg.Network.ReceiveDelay1,
		ReceiveDelay2:          cfg.Network.ReceiveDelay2,
		DedupWindow:            cfg.Network.DeduplicationWindow,
		GenerateDataDown:       cfg.Network.GenerateDataDown,
		ConfirmedDataDown:      cfg.Network.ConfirmedDataDown,
		PacketSize:             cfg.Network.PacketSize,
		DSTransmissions:        cfg.Network.DSTransmissions,
		DownstreamIAT:          dists.downstreamIAT,
		RX1DROffset:            cfg.Network.RX1DROffset,
		GenerateClassBDataDown: cfg.Network.GenerateClassBDataDown,
		ClassBPacketSize:       cfg.Network.ClassBPacketSize,
		ClassBDownstreamIAT:    dists.classBIAT,
		ClassBDownstream:       dists.classBExpiry,
		ClassBDataRate:         cfg.Gateway.ClassBDataRate,
		PingPeriodicity:        cfg.Network.PingPeriodicity,
		Counter:                counter,
		Rand:                   streams.New(),
		Metrics:                collector,
		Publisher:              s.publisher,
	})
	s.medium = radio.NewMedium(s.sched, region, streams.New(), cfg.Radio.DropProbability)

	for i := 0; i < cfg.Simulation.Gateways; i++ {
		var loc models.Location
		if i < len(cfg.Gateway.Locations) {
			loc = cfg.Gateway.Locations[i]
		}
		gw := gateway.New(fmt.Sprintf("gw%d", i+1), s.medium, s.server, loc)
		s.server.RegisterGateway(gw)
		s.gateways = append(s.gateways, gw)
	}

	classB := int(math.Round(cfg.Simulation.ClassBFraction * float64(cfg.Simulation.Devices)))
	for i := 0; i < cfg.Simulation.Devices; i++ {
		addr := lorawan.DevAddrFromUint32(base.Uint32() + uint32(i))
		dev := device.New(s.sched, device.Options{
			Addr:            addr,
			RunID:           run.ID,
			Region:          region,
			DataRate:        cfg.Device.DataRate,
			Confirmed:       cfg.Device.Confirmed,
			PacketSize:      cfg.Device.PacketSize,
			FPort:           cfg.Device.FPort,
			ReceiveDelay1:   cfg.Network.ReceiveDelay1,
			ReceiveDelay2:   cfg.Network.ReceiveDelay2,
			WindowLength:    cfg.Radio.WindowLength,
			RX1DROffset:     cfg.Network.RX1DROffset,
			UpstreamIAT:     dists.upstreamIAT,
			UpstreamSend:    dists.upstreamSend,
			MaxBytes:        cfg.Device.MaxBytes,
			ClassB:          i < classB,
			PingPeriodicity: cfg.Device.PingPeriodicity,
			ClassBDataRate:  cfg.Gateway.ClassBDataRate,
			Counter:         counter,
			Rand:            streams.New(),
			Metrics:         collector,
			Publisher:       s.publisher,
		})
		dev.Connect(s.medium.Attach(addr.String(), radio.RoleEndDevice, dev.HandleDownlink))
		s.server.RegisterDevice(addr)
		s.devices = append(s.devices, dev)
	}
	if len(s.gateways) > 0 {
		s.server.AssignInitialGateway(s.gateways[0])
	}

	s.logger.Info().
		Int("devices", len(s.devices)).
		Int("classB", classB).
		Int("gateways", len(s.gateways)).
		Int64("seed", cfg.Simulation.Seed).
		Msg("simulation built")
	return s, nil
}

type runDistributions struct {
	downstreamIAT sim.Distribution
	classBIAT     sim.Distribution
	classBExpiry  sim.Distribution
	upstreamIAT   sim.Distribution
	upstreamSend  sim.Distribution
}

func distributions(cfg *config.Config) (runDistributions, error) {
	var d runDistributions
	for _, item := range []struct {
		name string
		conf config.DistributionConfig
		dst  *sim.Distribution
	}{
		{"network.downstream_iat", cfg.Network.DownstreamIAT, &d.downstreamIAT},
		{"network.class_b_downstream_iat", cfg.Network.ClassBDownstreamIAT, &d.classBIAT},
		{"network.class_b_downstream", cfg.Network.ClassBDownstream, &d.classBExpiry},
		{"device.upstream_iat", cfg.Device.UpstreamIAT, &d.upstreamIAT},
		{"device.upstream_send", cfg.Device.UpstreamSend, &d.upstreamSend},
	} {
		dist, err := item.conf.Distribution()
		if err != nil {
			return d, fmt.Errorf("%s: %w", item.name, err)
		}
		*item.dst = dist
	}
	return d, nil
}

// RunID returns the identifier of the run
func (s *Simulation) RunID() uuid.UUID {
	return s.run.ID
}

// Network returns the network server, for the API and downlink subscribers
func (s *Simulation) Network() *network.Server {
	return s.server
}

// Now returns the simulated time
func (s *Simulation) Now() time.Duration {
	return s.sched.Now()
}

// Run executes the simulation for the configured duration and stores the
// run with its summary. A cancelled ctx ends the run early; the partial
// summary is still stored and returned with the error.
func (s *Simulation) Run(ctx context.Context) (*models.RunSummary, error) {
	if err := s.store.CreateRun(ctx, s.run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.emit(models.EventTypeRunStarted, models.EventLevelInfo, models.Variables{
		"seed":     s.run.Seed,
		"devices":  s.run.Devices,
		"gateways": s.run.Gateways,
	})

	s.server.StartBeacons()
	for _, d := range s.devices {
		d.Start()
	}
	s.sched.Schedule(FlushInterval, s.tick)

	started := time.Now()
	s.logger.Info().Dur("duration", s.cfg.Simulation.Duration).Msg("simulation started")
	runErr := s.sched.RunUntil(ctx, s.cfg.Simulation.Duration)

	s.server.StopBeacons()
	for _, d := range s.devices {
		d.Stop()
	}
	elapsed := time.Since(started)
	s.metrics.ObserveRun(elapsed)
	s.metrics.SetSimTime(s.sched.Now())

	finished := time.Now().UTC()
	s.run.FinishedAt = &finished
	s.run.Status = models.RunStatusFinished
	if runErr != nil {
		s.run.Status = models.RunStatusFailed
		s.run.Error = runErr.Error()
	}
	s.emit(models.EventTypeRunFinished, models.EventLevelInfo, models.Variables{
		"status":    string(s.run.Status),
		"wallClock": elapsed.String(),
		"events":    s.sched.Fired(),
	})

	summary := s.Summary()

	// persist with a fresh context so a cancelled run is still recorded
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.persist(saveCtx, summary); err != nil {
		return summary, errors.Join(runErr, err)
	}

	s.logger.Info().
		Str("status", string(s.run.Status)).
		Dur("simTime", s.sched.Now()).
		Dur("wallClock", elapsed).
		Uint64("events", s.sched.Fired()).
		Uint64("beacons", summary.Totals.Beacons).
		Uint64("invariantViolations", summary.Totals.InvariantViolations).
		Msg("simulation finished")
	return summary, runErr
}

// tick runs every FlushInterval of simulated time
func (s *Simulation) tick() {
	s.metrics.SetSimTime(s.sched.Now())
	s.metrics.SetClassBDevices(s.server.ClassBDevices())
	if err := s.sink.Flush(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("flush events")
	}
	s.sched.Schedule(FlushInterval, s.tick)
}

func (s *Simulation) persist(ctx context.Context, summary *models.RunSummary) error {
	if err := s.sink.Flush(ctx); err != nil {
		return err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.UpdateRun(ctx, s.run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return tx.Commit()
}

// Summary collects the counters of every component
func (s *Simulation) Summary() *models.RunSummary {
	ns, totals := s.server.Summary()

	devices := make([]models.EndDeviceSummary, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d.Summary())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DevAddr < devices[j].DevAddr })

	gateways := make([]models.GatewaySummary, 0, len(s.gateways))
	for _, g := range s.gateways {
		gateways = append(gateways, g.Summary())
	}

	return &models.RunSummary{
		Run:      *s.run,
		Network:  ns,
		Devices:  devices,
		Gateways: gateways,
		Totals:   totals,
	}
}

func (s *Simulation) emit(typ models.EventType, level models.EventLevel, details models.Variables) {
	e := models.NewEvent(s.run.ID, s.sched.Now(), typ, level)
	e.Details = details
	if err := s.publisher.Publish(e); err != nil {
		s.logger.Warn().Err(err).Str("type", string(typ)).Msg("publish event")
	}
}
