// Package producer publishes journaled chat events to the message bus.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"go.uber.org/zap"

	"yuim/im-chat/pkg/event"
)

type RocketMQSettings struct {
	Enabled    bool   `yaml:"enabled"`
	NameServer string `yaml:"name-server"`
	Topic      string `yaml:"topic"`
	Tag        string `yaml:"tag"`
	Group      string `yaml:"producer-group"`
	AccessKey  string `yaml:"access-key"`
	SecretKey  string `yaml:"secret-key"`
	Retry      int    `yaml:"retry"`
}

type RocketMQProducer struct {
	cfg RocketMQSettings
	p   rmq.Producer
}

func NewRocketMQ(cfg RocketMQSettings) (*RocketMQProducer, error) {
	if cfg.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing producer-group")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("rocketmq: missing topic")
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 2
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(cfg.Retry),
		producer.WithQueueSelector(producer.NewHashQueueSelector()),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg, p: prd}, nil
}

func (r *RocketMQProducer) Publish(ctx context.Context, ev *event.ChatEvent) error {
	m, err := encode(r.cfg.Topic, r.cfg.Tag, ev)
	if err != nil {
		return err
	}
	res, err := r.p.SendSync(ctx, m)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send status %d", res.Status)
	}
	return nil
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}

// encode builds the MQ message. The event key doubles as the message key so
// consumers can dedupe, and the conversation shards the queue so one pair's
// events stay ordered.
func encode(topic, tag string, ev *event.ChatEvent) (*primitive.Message, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	if ev.TS == 0 {
		ev.TS = time.Now().Unix()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(topic, b)
	if tag != "" && tag != "*" {
		m.WithTag(tag)
	}
	m.WithKeys([]string{ev.Key()})
	m.WithShardingKey(ev.ConvKey)
	return m, nil
}

// Log stands in for the bus when MQ is disabled: events are logged and
// acknowledged.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Publish(ctx context.Context, ev *event.ChatEvent) error {
	l.log.Debug("event", zap.String("event", ev.Event), zap.String("key", ev.Key()), zap.String("conv", ev.ConvKey), zap.Any("failed", ev.Failed))
	return nil
}

func (l *Log) Close() error { return nil }
