// ABOUTME: Builds the alert fan-out from the alerts section of the configuration
// ABOUTME: The log sink is always present; network sinks are added when configured

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/toolgate/internal/config"
)

// Default topic and channel names.
const (
	DefaultChannel = "toolgate.alerts"
	DefaultTopic   = "toolgate.alerts"
)

// NewFromConfig connects every configured sink. If one fails to connect the
// sinks opened so far are closed and the error is returned.
func NewFromConfig(ctx context.Context, cfg config.AlertsConfig, logger *slog.Logger) (*Fanout, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	sinks := []Sink{NewLogSink(logger)}
	fail := func(err error) (*Fanout, error) {
		return nil, errors.Join(err, NewFanout(sinks...).Close())
	}

	if cfg.Redis.Addr != "" {
		s, err := NewRedisSink(ctx, cfg.Redis.Addr, orDefault(cfg.Redis.Channel, DefaultChannel))
		if err != nil {
			return fail(fmt.Errorf("redis sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka.Brokers, orDefault(cfg.Kafka.Topic, DefaultTopic)))
	}
	if cfg.MQTT.Broker != "" {
		s, err := NewMQTTSink(cfg.MQTT.Broker, orDefault(cfg.MQTT.Topic, "toolgate/alerts"), cfg.MQTT.ClientID, logger)
		if err != nil {
			return fail(fmt.Errorf("mqtt sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.AMQP.URL != "" {
		s, err := NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, orDefault(cfg.AMQP.RoutingKey, DefaultTopic))
		if err != nil {
			return fail(fmt.Errorf("amqp sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	f := NewFanout(sinks...)
	logger.Info("alert sinks ready", "sinks", f.Sinks())
	return f, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
