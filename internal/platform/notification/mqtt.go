package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TopicEmergencyPrefix = "resqlink/emergencies/"
	TopicDispatchPending = "resqlink/dispatch/pending"

	mqttQoS            = byte(1)
	mqttConnectRetries = 5
	mqttWait           = 5 * time.Second
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// MQTTPublisher publishes events to in-vehicle terminals.
type MQTTPublisher struct {
	client mqtt.Client
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewMQTTPublisher(cfg MQTTConfig, logger zerolog.Logger) *MQTTPublisher {
	p := &MQTTPublisher{logger: logger}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "resqlink"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	// Instances of the same service must not share a client id.
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect dials the broker with exponential backoff, giving up when ctx is
// done or after mqttConnectRetries attempts.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *MQTTPublisher) connectLocked(ctx context.Context) error {
	if p.client.IsConnected() {
		return nil
	}
	var err error
	for i := 0; i < mqttConnectRetries; i++ {
		token := p.client.Connect()
		if token.WaitTimeout(mqttWait) && token.Error() == nil {
			return nil
		}
		err = token.Error()
		backoff := time.Duration(1<<uint(i)) * time.Second
		p.logger.Warn().Err(err).Int("attempt", i+1).Dur("backoff", backoff).Msg("mqtt connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("mqtt connect failed after %d attempts: %v", mqttConnectRetries, err)
}

// Publish sends payload with QoS 1, reconnecting first if needed.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(ctx); err != nil {
		return err
	}
	token := p.client.Publish(topic, mqttQoS, false, payload)
	if !token.WaitTimeout(mqttWait) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Ping reports whether the broker connection is up.
func (p *MQTTPublisher) Ping(context.Context) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	return nil
}
