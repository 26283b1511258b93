package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/api"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/integration"
	"github.com/lorawan-server/lorawan-sim/internal/metrics"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/simulation"
	"github.com/lorawan-server/lorawan-sim/internal/storage"
)

func main() {
	// 命令行参数
	var configPath = flag.String("config", "config/lorawan-sim.yml", "配置文件路径")
	var validateOnly = flag.Bool("validate", false, "仅验证配置文件")
	var showConfig = flag.Bool("show-config", false, "显示配置并退出")
	var seed = flag.Int64("seed", 0, "随机种子，覆盖配置文件")
	var duration = flag.Duration("duration", 0, "仿真时长，覆盖配置文件")
	var serve = flag.Bool("serve", false, "仿真结束后继续提供 API 服务，直到收到退出信号")
	var summaryPath = flag.String("summary", "-", "汇总表输出文件，- 为标准输出")
	flag.Parse()

	// 设置日志
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// 加载配置
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("加载配置失败")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Simulation.Seed = *seed
		case "duration":
			cfg.Simulation.Duration = *duration
		}
	})
	if *serve {
		cfg.API.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("配置无效")
	}
	setupLogging(cfg.Log)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}
	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("✅ 配置文件验证通过")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *serve, *summaryPath); err != nil {
		log.Fatal().Err(err).Msg("仿真失败")
	}
}

// loadConfig reads the config file, or starts from the defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == "config/lorawan-sim.yml" {
		log.Warn().Str("config_path", path).Msg("配置文件不存在，使用默认配置")
		return config.Load("")
	}
	return cfg, err
}

func setupLogging(c config.LogConfig) {
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		log.Warn().Str("level", c.Level).Msg("无效的日志级别，使用info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(c config.DatabaseConfig) (storage.Store, error) {
	switch c.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSQLiteStore(c.DSN)
	case "postgres":
		return storage.NewPostgresStore(c.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", c.Driver)
	}
}

func connectNATS(c config.NATSConfig) (*nats.Conn, error) {
	return nats.Connect(c.URL,
		nats.Name(c.ClientName),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
}

func run(ctx context.Context, cfg *config.Config, serve bool, summaryPath string) error {
	// 连接数据库
	store, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("存储已就绪")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		if collector, err = metrics.NewCollector(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	hub := events.NewHub()
	publishers := []events.Publisher{hub}

	// 连接NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		if nc, err = connectNATS(cfg.NATS); err != nil {
			log.Warn().Err(err).Msg("连接NATS失败，不发布事件")
		} else {
			defer nc.Close()
			publishers = append(publishers, events.NewNATSPublisher(nc))
		}
	}

	// 连接MQTT
	if cfg.MQTT.BrokerURL != "" {
		client, err := integration.Connect(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("连接MQTT失败，不转发事件")
		} else {
			fwd := integration.NewMQTTForwarder(client, cfg.MQTT)
			mqttCtx, mqttCancel := context.WithCancel(context.Background())
			fwd.Start(mqttCtx)
			defer func() {
				mqttCancel()
				fwd.Wait()
				sent, failed, dropped := fwd.Stats()
				log.Info().Uint64("sent", sent).Uint64("failed", failed).Uint64("dropped", dropped).Msg("MQTT 转发结束")
			}()
			publishers = append(publishers, fwd)
		}
	}

	s, err := simulation.New(cfg, store, collector, publishers...)
	if err != nil {
		return fmt.Errorf("build simulation: %w", err)
	}

	if nc != nil {
		sub := events.NewNATSSubscriber(nc, s.RunID().String(), s.Network())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	// 启动 REST API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		deps := api.Deps{Network: s.Network(), Events: hub}
		if collector != nil {
			deps.Metrics = collector.Handler()
		}
		apiServer = api.NewRESTServer(cfg, store, deps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("REST API server failed")
				cancel()
			}
		}()
	}

	summary, runErr := s.Run(ctx)
	if summary != nil {
		if err := writeSummary(summary, summaryPath); err != nil {
			log.Error().Err(err).Msg("写入汇总失败")
		}
	}

	if serve && runErr == nil {
		log.Info().Str("addr", cfg.API.Addr()).Msg("仿真完成，API 继续服务，等待退出信号")
		<-ctx.Done()
	}

	cancel()
	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
	}
	wg.Wait()

	if errors.Is(runErr, context.Canceled) {
		log.Info().Msg("仿真被中断")
		return nil
	}
	return runErr
}

func writeSummary(summary *models.RunSummary, path string) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return summary.WriteTables(w)
}
