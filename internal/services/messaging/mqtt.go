package messaging

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/metrics"
)

// MQTTTransport publishes events with QoS 1 and treats the PUBACK as the acknowledgement
type MQTTTransport struct {
	client  mqtt.Client
	timeout time.Duration
	log     zerolog.Logger
}

var _ Transport = (*MQTTTransport)(nil)

func NewMQTTTransport(cfg *config.Config, logger zerolog.Logger) (*MQTTTransport, error) {
	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "godown-edge-" + cfg.WorkerID
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.NatsReconnectWait)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		metrics.SetBrokerConnected(true)
		logger.Info().Str("url", cfg.MQTTURL).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.SetBrokerConnected(false)
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	// With connect retry the token only completes once connected; do not block startup on it
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", token.Error())
	}
	if !cli.IsConnectionOpen() {
		logger.Warn().Str("url", cfg.MQTTURL).Msg("MQTT not reachable yet, retrying in background")
	}

	return &MQTTTransport{
		client:  cli,
		timeout: cfg.BrokerPublishTimeout,
		log:     logger,
	}, nil
}

// Publish sends with QoS 1 and waits for the broker acknowledgement
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	token := t.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

func (t *MQTTTransport) IsConnected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *MQTTTransport) Kind() string { return "mqtt" }

func (t *MQTTTransport) Close() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	metrics.SetBrokerConnected(false)
}
