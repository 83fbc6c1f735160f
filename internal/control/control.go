// Package control receives runtime parameter pushes and reports the
// corrected parameters back over MQTT.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/config"
)

const waitTimeout = 5 * time.Second

// ErrBadPayload is returned for pushes that are not a JSON parameter object.
var ErrBadPayload = errors.New("invalid params payload")

// Target applies parameters. The controller implements it.
type Target interface {
	Params() config.Params
	Reconfigure(ctx context.Context, p config.Params) config.Params
}

// Client is the subset of the paho client the control plane uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Control binds a Target to the `<prefix>/params/set` and `<prefix>/params` topics.
// A nil Client leaves only Handle usable, for the HTTP route.
type Control struct {
	client Client
	prefix string
	qos    byte
	target Target
	logger *zap.Logger
}

func New(client Client, prefix string, qos byte, target Target, logger *zap.Logger) *Control {
	return &Control{
		client: client,
		prefix: prefix,
		qos:    qos,
		target: target,
		logger: logger.Named("control"),
	}
}

// SetTopic is where parameter pushes arrive.
func (c *Control) SetTopic() string { return c.prefix + "/params/set" }

// StateTopic carries the retained parameters in effect.
func (c *Control) StateTopic() string { return c.prefix + "/params" }

// Subscribe starts listening for pushes and publishes the current parameters.
func (c *Control) Subscribe() error {
	if c.client == nil {
		return nil
	}
	token := c.client.Subscribe(c.SetTopic(), c.qos, c.onMessage)
	if err := wait(token); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.SetTopic(), err)
	}
	c.logger.Info("listening for params", zap.String("topic", c.SetTopic()))
	return c.UpdateParams(context.Background(), c.target.Params())
}

// Unsubscribe stops listening for pushes.
func (c *Control) Unsubscribe() {
	if c.client == nil {
		return
	}
	if err := wait(c.client.Unsubscribe(c.SetTopic())); err != nil {
		c.logger.Warn("unsubscribe failed", zap.Error(err))
	}
}

func (c *Control) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if _, err := c.Handle(context.Background(), msg.Payload()); err != nil {
		c.logger.Warn("params push rejected", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// Handle applies a JSON push. Fields absent from payload keep their current
// value. The corrected parameters are returned and published retained.
func (c *Control) Handle(ctx context.Context, payload []byte) (config.Params, error) {
	p := c.target.Params()
	if err := json.Unmarshal(payload, &p); err != nil {
		return config.Params{}, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	got := c.target.Reconfigure(ctx, p)
	c.logger.Info("params applied",
		zap.Bool("enable", got.Enable),
		zap.Bool("train", got.Train),
		zap.String("face_name", got.FaceName),
		zap.Float64("confidence_threshold", got.ConfidenceThreshold))
	if err := c.UpdateParams(ctx, got); err != nil {
		c.logger.Warn("corrected params not published", zap.Error(err))
	}
	return got, nil
}

// UpdateParams publishes p as the retained parameter state.
func (c *Control) UpdateParams(_ context.Context, p config.Params) error {
	if c.client == nil {
		return nil
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return wait(c.client.Publish(c.StateTopic(), c.qos, true, payload))
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(waitTimeout) {
		return fmt.Errorf("mqtt timeout")
	}
	return token.Error()
}
