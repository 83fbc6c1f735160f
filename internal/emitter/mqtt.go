package emitter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/types"
)

// EventTopic is the fixed topic for training events and progress.
const EventTopic = "face_training_event"

const publishTimeout = 2 * time.Second

// MQTTConfig holds what the MQTT emitter needs to connect.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Prefix   string
	QoS      byte
}

// MQTT publishes pipeline output to an MQTT broker.
type MQTT struct {
	cfg    MQTTConfig
	logger *zap.Logger
	Client mqtt.Client // shared with the control plane

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewMQTT(cfg MQTTConfig, logger *zap.Logger) *MQTT {
	return &MQTT{
		cfg:       cfg,
		logger:    logger.Named("mqtt"),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *MQTT) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", zap.String("broker", e.cfg.Broker))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", zap.Error(err))
	}

	e.Client = mqtt.NewClient(opts)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Topic joins the configured prefix and suffix.
func (e *MQTT) Topic(suffix string) string {
	return e.cfg.Prefix + "/" + suffix
}

func (e *MQTT) PublishImage(img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	return e.publish(e.Topic("image"), false, buf.Bytes())
}

func (e *MQTT) PublishFaces(faces []types.Face) error {
	msgs := make([]types.FaceMessage, len(faces))
	for i, f := range faces {
		msgs[i] = f.Message()
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return e.publish(e.Topic("faces"), false, payload)
}

func (e *MQTT) PublishEvent(event string) error {
	return e.publish(EventTopic, false, []byte(event))
}

func (e *MQTT) SetState(key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.publish(e.Topic("state/"+key), true, payload)
}

func (e *MQTT) publish(topic string, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}
	token := e.Client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed on %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the connection with a short grace period.
func (e *MQTT) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
