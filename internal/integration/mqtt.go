package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// DefaultTopicPattern is used when no topic pattern is configured
const DefaultTopicPattern = "lorawan-sim/{run_id}/device/{dev_addr}/{event}"

// MQTTConfig MQTT 转发配置
type MQTTConfig struct {
	BrokerURL    string `yaml:"broker_url" json:"brokerUrl"`
	ClientID     string `yaml:"client_id" json:"clientId"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"password"`
	TopicPattern string `yaml:"topic_pattern" json:"topicPattern"`
	QoS          byte   `yaml:"qos" json:"qos"`
	TLS          bool   `yaml:"tls" json:"tls"`
	// event types forwarded, all device events when empty
	Events []string `yaml:"events" json:"events"`
	// messages queued while the broker is slow
	Buffer int `yaml:"buffer" json:"buffer"`
}

// forwarded by default
var deviceEvents = map[models.EventType]bool{
	models.EventTypeUSMsgReceived:    true,
	models.EventTypeUSMsgTransmitted: true,
	models.EventTypeDSMsgGenerated:   true,
	models.EventTypeDSMsgTransmitted: true,
	models.EventTypeDSMsgReceived:    true,
	models.EventTypeDSMsgAckd:        true,
	models.EventTypeDSMsgDropped:     true,
	models.EventTypeClassBReverted:   true,
}

type message struct {
	topic   string
	payload []byte
}

// MQTTForwarder 将仿真事件转发到 MQTT broker
type MQTTForwarder struct {
	client  mqtt.Client
	config  MQTTConfig
	include map[models.EventType]bool

	queue chan message
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
	sent    uint64
	failed  uint64
}

// NewMQTTForwarder creates a forwarder over client. Start must be called
// before events are delivered.
func NewMQTTForwarder(client mqtt.Client, config MQTTConfig) *MQTTForwarder {
	if config.TopicPattern == "" {
		config.TopicPattern = DefaultTopicPattern
	}
	if config.Buffer <= 0 {
		config.Buffer = 1024
	}
	include := deviceEvents
	if len(config.Events) > 0 {
		include = make(map[models.EventType]bool, len(config.Events))
		for _, e := range config.Events {
			include[models.EventType(strings.ToUpper(e))] = true
		}
	}
	return &MQTTForwarder{
		client:  client,
		config:  config,
		include: include,
		queue:   make(chan message, config.Buffer),
	}
}

// Connect 创建并连接 MQTT 客户端
func Connect(config MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	clientID := config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("lorawan-sim-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	if config.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().
			Str("broker", config.BrokerURL).
			Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", config.BrokerURL).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", config.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", config.BrokerURL, err)
	}
	return client, nil
}

// Topic 根据主题模板生成主题
func (f *MQTTForwarder) Topic(e *models.Event) string {
	topic := f.config.TopicPattern
	topic = strings.ReplaceAll(topic, "{run_id}", e.RunID.String())
	topic = strings.ReplaceAll(topic, "{dev_addr}", e.DevAddr)
	topic = strings.ReplaceAll(topic, "{gateway_id}", e.GatewayID)
	topic = strings.ReplaceAll(topic, "{event}", strings.ToLower(string(e.Type)))
	return topic
}

// Publish implements events.Publisher. Events are queued for the
// background worker; when the queue is full the event is dropped.
func (f *MQTTForwarder) Publish(e *models.Event) error {
	if !f.include[e.Type] {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	select {
	case f.queue <- message{topic: f.Topic(e), payload: data}:
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
	}
	return nil
}

// Start runs the publishing worker until ctx is done, then drains the queue
// and disconnects.
func (f *MQTTForwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case m := <-f.queue:
				f.forward(m)
			case <-ctx.Done():
				f.drain()
				return
			}
		}
	}()
}

// Wait blocks until the worker started by Start has exited
func (f *MQTTForwarder) Wait() {
	f.wg.Wait()
	if f.client.IsConnected() {
		f.client.Disconnect(250)
	}
}

func (f *MQTTForwarder) drain() {
	for {
		select {
		case m := <-f.queue:
			f.forward(m)
		default:
			return
		}
	}
}

// forward 发布一条消息
func (f *MQTTForwarder) forward(m message) {
	token := f.client.Publish(m.topic, f.config.QoS, false, m.payload)
	ok := token.WaitTimeout(5 * time.Second)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !ok {
		f.failed++
		log.Error().
			Str("topic", m.topic).
			Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		f.failed++
		log.Error().
			Err(err).
			Str("topic", m.topic).
			Msg("Failed to publish to MQTT")
		return
	}
	f.sent++
}

// Stats returns the number of forwarded, failed and dropped events
func (f *MQTTForwarder) Stats() (sent, failed, dropped uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.failed, f.dropped
}
