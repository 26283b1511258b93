package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-sim/internal/integration"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/sim"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the application configuration
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Log        LogConfig              `yaml:"log"`
	Simulation SimulationConfig       `yaml:"simulation"`
	Network    NetworkConfig          `yaml:"network"`
	Device     DeviceConfig           `yaml:"device"`
	Gateway    GatewayConfig          `yaml:"gateway"`
	Radio      RadioConfig            `yaml:"radio"`
	Database   DatabaseConfig         `yaml:"database"`
	NATS       NATSConfig             `yaml:"nats"`
	MQTT       integration.MQTTConfig `yaml:"mqtt"`
	API        APIConfig              `yaml:"api"`
	JWT        JWTConfig              `yaml:"jwt"`
	Metrics    MetricsConfig          `yaml:"metrics"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SimulationConfig describes one run
type SimulationConfig struct {
	Name     string        `yaml:"name"`
	Seed     int64         `yaml:"seed"`
	Duration time.Duration `yaml:"duration"`
	Region   string        `yaml:"region"`
	Devices  int           `yaml:"devices"`
	Gateways int           `yaml:"gateways"`
	// share of devices that start in Class B
	ClassBFraction float64 `yaml:"class_b_fraction"`
}

// NetworkConfig represents network server configuration
type NetworkConfig struct {
	ReceiveDelay1       time.Duration `yaml:"receive_delay1"`
	ReceiveDelay2       time.Duration `yaml:"receive_delay2"`
	DeduplicationWindow time.Duration `yaml:"deduplication_window"`
	RX1DROffset         uint8         `yaml:"rx1_dr_offset"`

	GenerateDataDown  bool               `yaml:"generate_data_down"`
	ConfirmedDataDown bool               `yaml:"confirmed_data_down"`
	PacketSize        int                `yaml:"packet_size"`
	DSTransmissions   int                `yaml:"ds_transmissions"`
	DownstreamIAT     DistributionConfig `yaml:"downstream_iat"`

	GenerateClassBDataDown bool               `yaml:"generate_class_b_data_down"`
	ClassBPacketSize       int                `yaml:"class_b_packet_size"`
	ClassBDownstreamIAT    DistributionConfig `yaml:"class_b_downstream_iat"`
	ClassBDownstream       DistributionConfig `yaml:"class_b_downstream"`
	PingPeriodicity        uint8              `yaml:"ping_periodicity"`
}

// DeviceConfig is shared by every simulated end device
type DeviceConfig struct {
	DataRate        uint8              `yaml:"data_rate"`
	Confirmed       bool               `yaml:"confirmed"`
	PacketSize      int                `yaml:"packet_size"`
	FPort           uint8              `yaml:"f_port"`
	UpstreamIAT     DistributionConfig `yaml:"upstream_iat"`
	UpstreamSend    DistributionConfig `yaml:"upstream_send"`
	MaxBytes        uint64             `yaml:"max_bytes"`
	PingPeriodicity uint8              `yaml:"ping_periodicity"`
	AddrBase        string             `yaml:"addr_base"`
}

// GatewayConfig describes the simulated gateways
type GatewayConfig struct {
	// data rate of beacons' ping slots, shared by the network server and devices
	ClassBDataRate uint8             `yaml:"class_b_data_rate"`
	Locations      []models.Location `yaml:"locations"`
}

// RadioConfig represents the shared medium
type RadioConfig struct {
	WindowLength    time.Duration `yaml:"window_length"`
	DropProbability float64       `yaml:"drop_probability"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// memory, sqlite or postgres
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// events below this level are not persisted
	EventLevel string `yaml:"event_level"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL           string        `yaml:"url"`
	ClientName    string        `yaml:"client_name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	AdminUser       string        `yaml:"admin_user"`
	// bcrypt hash of the admin password
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// MetricsConfig represents the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DistributionConfig is the configuration form of a random distribution,
// in seconds.
type DistributionConfig struct {
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value,omitempty"`
	Min   float64 `yaml:"min,omitempty"`
	Max   float64 `yaml:"max,omitempty"`
	Mean  float64 `yaml:"mean,omitempty"`
}

// Distribution builds the configured distribution
func (d DistributionConfig) Distribution() (sim.Distribution, error) {
	return sim.NewDistribution(strings.ToLower(d.Type), d.Value, d.Min, d.Max, d.Mean)
}

func (d DistributionConfig) String() string {
	dist, err := d.Distribution()
	if err != nil {
		return "invalid(" + d.Type + ")"
	}
	return fmt.Sprint(dist)
}

// Default returns a runnable configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{Name: "lorawan-sim", Version: "dev"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Simulation: SimulationConfig{
			Name:           "default",
			Seed:           1,
			Duration:       time.Hour,
			Region:         "EU868",
			Devices:        10,
			Gateways:       1,
			ClassBFraction: 0.5,
		},
		Network: NetworkConfig{
			ReceiveDelay1:       time.Second,
			ReceiveDelay2:       2 * time.Second,
			DeduplicationWindow: time.Second,
			GenerateDataDown:    true,
			ConfirmedDataDown:   true,
			PacketSize:          21,
			DSTransmissions:     4,
			DownstreamIAT:       DistributionConfig{Type: "exponential", Mean: 10},

			GenerateClassBDataDown: true,
			ClassBPacketSize:       21,
			ClassBDownstreamIAT:    DistributionConfig{Type: "constant", Value: 9000},
			ClassBDownstream:       DistributionConfig{Type: "uniform", Min: 0, Max: 9000},
			PingPeriodicity:        6,
		},
		Device: DeviceConfig{
			DataRate:        5,
			PacketSize:      21,
			FPort:           1,
			UpstreamIAT:     DistributionConfig{Type: "constant", Value: 900},
			UpstreamSend:    DistributionConfig{Type: "uniform", Min: 0, Max: 900},
			PingPeriodicity: 6,
			AddrBase:        "26011000",
		},
		Gateway: GatewayConfig{ClassBDataRate: 3},
		Radio:   RadioConfig{WindowLength: 100 * time.Millisecond},
		Database: DatabaseConfig{
			Driver:     "memory",
			EventLevel: string(models.EventLevelInfo),
		},
		NATS: NATSConfig{
			ClientName:    "lorawan-sim",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		},
		MQTT: integration.MQTTConfig{
			ClientID:     "lorawan-sim",
			TopicPattern: integration.DefaultTopicPattern,
			QoS:          1,
		},
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           8090,
			AllowedOrigins: []string{"*"},
		},
		JWT: JWTConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			AdminUser:       "admin",
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load loads configuration from file on top of the defaults. An empty
// filename loads the defaults alone.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
		if c.Database.Driver == "" || c.Database.Driver == "memory" {
			c.Database.Driver = "postgres"
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.BrokerURL = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if seed := os.Getenv("SIM_SEED"); seed != "" {
		v, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: SIM_SEED %q: %v", ErrInvalidConfig, seed, err)
		}
		c.Simulation.Seed = v
	}
	return nil
}

// setDefaults fills values whose zero value is never meaningful
func (c *Config) setDefaults() {
	if c.Simulation.Region == "" {
		c.Simulation.Region = "EU868"
	}
	if c.Simulation.Name == "" {
		c.Simulation.Name = "default"
	}
	if c.Network.ReceiveDelay1 == 0 {
		c.Network.ReceiveDelay1 = time.Second
	}
	if c.Network.ReceiveDelay2 == 0 {
		c.Network.ReceiveDelay2 = c.Network.ReceiveDelay1 + time.Second
	}
	if c.Network.DSTransmissions == 0 {
		c.Network.DSTransmissions = 4
	}
	if c.Network.PingPeriodicity == 0 {
		c.Network.PingPeriodicity = 6
	}
	if c.Device.PingPeriodicity == 0 {
		c.Device.PingPeriodicity = c.Network.PingPeriodicity
	}
	if c.Device.PacketSize == 0 {
		c.Device.PacketSize = 21
	}
	if c.Radio.WindowLength == 0 {
		c.Radio.WindowLength = 100 * time.Millisecond
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Database.Driver = strings.ToLower(c.Database.Driver)
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	region, err := lorawan.GetRegionConfiguration(c.Simulation.Region)
	if err != nil {
		fail("simulation.region: %v", err)
	}
	if c.Simulation.Duration <= 0 {
		fail("simulation.duration must be positive")
	}
	if c.Simulation.Devices < 0 {
		fail("simulation.devices must not be negative")
	}
	if c.Simulation.Gateways < 1 {
		fail("simulation.gateways must be at least 1")
	}
	if c.Simulation.ClassBFraction < 0 || c.Simulation.ClassBFraction > 1 {
		fail("simulation.class_b_fraction %g out of [0, 1]", c.Simulation.ClassBFraction)
	}

	if c.Network.ReceiveDelay2 <= c.Network.ReceiveDelay1 {
		fail("network.receive_delay2 must be after receive_delay1")
	}
	if c.Network.DSTransmissions < 1 {
		fail("network.ds_transmissions must be at least 1")
	}
	if c.Network.PingPeriodicity > 7 || c.Device.PingPeriodicity > 7 {
		fail("ping periodicity must be in 0..7")
	}

	for name, d := range map[string]DistributionConfig{
		"network.downstream_iat":         c.Network.DownstreamIAT,
		"network.class_b_downstream_iat": c.Network.ClassBDownstreamIAT,
		"network.class_b_downstream":     c.Network.ClassBDownstream,
		"device.upstream_iat":            c.Device.UpstreamIAT,
		"device.upstream_send":           c.Device.UpstreamSend,
	} {
		if _, err := d.Distribution(); err != nil {
			fail("%s: %v", name, err)
		}
	}

	if region != nil {
		if _, err := region.DataRate(c.Device.DataRate); err != nil {
			fail("device.data_rate: %v", err)
		}
		if _, err := region.DataRate(c.Gateway.ClassBDataRate); err != nil {
			fail("gateway.class_b_data_rate: %v", err)
		}
		if _, err := region.GetRX1DataRateOffset(c.Device.DataRate, c.Network.RX1DROffset); err != nil {
			fail("network.rx1_dr_offset: %v", err)
		}
	}
	if c.Device.AddrBase != "" {
		if _, err := lorawan.ParseDevAddr(c.Device.AddrBase); err != nil {
			fail("device.addr_base: %v", err)
		}
	}
	if c.Radio.DropProbability < 0 || c.Radio.DropProbability >= 1 {
		fail("radio.drop_probability %g out of [0, 1)", c.Radio.DropProbability)
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			fail("database.dsn is required for %s", c.Database.Driver)
		}
	default:
		fail("database.driver %q is not one of memory, sqlite, postgres", c.Database.Driver)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			fail("api.port %d out of range", c.API.Port)
		}
		if c.JWT.Secret == "" {
			fail("jwt.secret is required when the api is enabled")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Addr returns the API listen address
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Simulator Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Run: %s (seed %d, %s, region %s)\n",
		c.Simulation.Name, c.Simulation.Seed, c.Simulation.Duration, c.Simulation.Region)
	fmt.Printf("Devices: %d (%.0f%% Class B), Gateways: %d\n",
		c.Simulation.Devices, c.Simulation.ClassBFraction*100, c.Simulation.Gateways)

	fmt.Printf("Network:\n")
	fmt.Printf("  RX delays: %s / %s, dedup window %s, RX1 DR offset %d\n",
		c.Network.ReceiveDelay1, c.Network.ReceiveDelay2, c.Network.DeduplicationWindow, c.Network.RX1DROffset)
	if c.Network.GenerateDataDown {
		fmt.Printf("  Class A downlinks: %d bytes, IAT %s, confirmed %v (%d transmissions)\n",
			c.Network.PacketSize, c.Network.DownstreamIAT, c.Network.ConfirmedDataDown, c.Network.DSTransmissions)
	}
	if c.Network.GenerateClassBDataDown {
		fmt.Printf("  Class B downlinks: %d bytes, IAT %s, expiry %s\n",
			c.Network.ClassBPacketSize, c.Network.ClassBDownstreamIAT, c.Network.ClassBDownstream)
	}
	fmt.Printf("  Ping periodicity: %d, Class B DR: %d\n", c.Network.PingPeriodicity, c.Gateway.ClassBDataRate)

	fmt.Printf("Devices:\n")
	fmt.Printf("  DR%d, %d bytes, confirmed %v, IAT %s, send offset %s\n",
		c.Device.DataRate, c.Device.PacketSize, c.Device.Confirmed, c.Device.UpstreamIAT, c.Device.UpstreamSend)
	if c.Device.MaxBytes > 0 {
		fmt.Printf("  Stop after %d bytes\n", c.Device.MaxBytes)
	}
	fmt.Printf("Radio: window %s, drop probability %g\n", c.Radio.WindowLength, c.Radio.DropProbability)

	// 外部组件只在配置后打印
	fmt.Printf("Database: %s\n", c.Database.Driver)
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s\n", c.NATS.URL)
	}
	if c.MQTT.BrokerURL != "" {
		fmt.Printf("MQTT: %s (%s)\n", c.MQTT.BrokerURL, c.MQTT.TopicPattern)
	}
	if c.API.Enabled {
		fmt.Printf("API: %s\n", c.API.Addr())
	}
	fmt.Printf("==========================================\n")
}
