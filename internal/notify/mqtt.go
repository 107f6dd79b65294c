// Package notify forwards recorder events to an MQTT broker.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
)

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

// MQTTClient publishes to a broker through paho with automatic reconnects.
type MQTTClient struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *logger.Logger

	mu        sync.RWMutex
	connected bool
}

// NewMQTTClient prepares a client. Connect must be called before Publish.
func NewMQTTClient(cfg config.MQTTConfig, log *logger.Logger) *MQTTClient {
	c := &MQTTClient{cfg: cfg, logger: log.Named("mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.setConnected(true)
		c.logger.Info("MQTT connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("MQTT connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the connection. With connect-retry enabled paho keeps
// trying in the background, so a timeout here is not fatal.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		return nil
	case <-time.After(5 * time.Second):
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.cfg.Broker)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends payload with the configured QoS.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the broker connection is up.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close disconnects, allowing in-flight messages 250ms to complete.
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.setConnected(false)
}

func (c *MQTTClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
