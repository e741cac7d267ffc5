package mural

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// CommandHandler handles one command payload received over MQTT and
// returns the reply payload.
type CommandHandler func(ctx context.Context, payload []byte) []byte

// MQTTClient manages the broker connection and the command subscription.
type MQTTClient struct {
	client  mqtt.Client
	prefix  string
	handler CommandHandler
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT connects to the broker named in cfg. An empty broker disables
// MQTT and returns nil. Connecting happens in the background.
func InitMQTT(cfg MQTTConfig, handler CommandHandler, log *zap.Logger) (*MQTTClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Broker == "" {
		log.Info("MQTT disabled: no broker configured")
		return nil, nil
	}

	c := newMQTTClient(nil, cfg.PublishPrefix, handler, log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "muralwall"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

func newMQTTClient(client mqtt.Client, prefix string, handler CommandHandler, log *zap.Logger) *MQTTClient {
	if prefix == "" {
		prefix = "muralwall"
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTClient{
		client:  client,
		prefix:  prefix,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// CommandTopic is where commands are received.
func (c *MQTTClient) CommandTopic() string {
	return c.prefix + "/commands"
}

// ReplyTopic is where command replies are published.
func (c *MQTTClient) ReplyTopic() string {
	return c.prefix + "/commands/reply"
}

// connectWithRetry attempts to connect with exponential backoff until it
// succeeds or the client is disconnected.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Info("connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			c.log.Warn("MQTT connection timeout")
		}

		c.log.Info("retrying MQTT connection", zap.Duration("in", retryDelay))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.CommandTopic()
	token := client.Subscribe(topic, 1, c.handleCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	c.log.Info("subscribed", zap.String("topic", topic))
}

// Auto-reconnect is enabled, so this is usually transient.
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.log.Info("MQTT reconnecting")
}

func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	c.log.Debug("command received", zap.String("topic", msg.Topic()), zap.Int("bytes", len(payload)))
	if c.handler == nil {
		return
	}

	reply := c.handler(c.ctx, payload)
	if len(reply) == 0 {
		return
	}
	token := client.Publish(c.ReplyTopic(), 1, false, reply)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		c.log.Warn("reply not published", zap.Error(token.Error()))
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops reconnect attempts and closes the connection.
func (c *MQTTClient) Disconnect() {
	c.cancel()
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
