package delivery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"yuim/im-chat/internal/metrics"
	"yuim/im-chat/pkg/chat"
)

type RetryOptions struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 50 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = time.Second
	}
	return o
}

// retry runs op until it succeeds, fails with anything other than a
// *chat.WriteError, runs out of attempts, or ctx is done.
func (c *Coordinator) retry(ctx context.Context, step chat.Step, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opt.Retry.InitialInterval
	eb.MaxInterval = c.opt.Retry.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opt.Retry.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !chat.IsWrite(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		metrics.StepRetries.WithLabelValues(string(step)).Inc()
		c.log.Debug("step retry", zap.String("step", string(step)), zap.Duration("wait", wait), zap.Error(err))
	})
}
