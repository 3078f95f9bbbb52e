package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"yuim/im-chat/internal/breaker"
	"yuim/im-chat/internal/metrics"
	"yuim/im-chat/pkg/event"
)

type Producer interface {
	Publish(ctx context.Context, ev *event.ChatEvent) error
}

type Worker struct {
	repo *Repo
	prod Producer
	brk  *breaker.Breaker
	log  *zap.Logger

	tick    time.Duration
	batch   int
	timeout time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

type Options struct {
	Tick    time.Duration `yaml:"tick"`
	Batch   int           `yaml:"batch"`
	Timeout time.Duration `yaml:"timeout"`
}

func NewWorker(repo *Repo, prod Producer, brk *breaker.Breaker, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	if brk == nil {
		brk = breaker.New(breaker.Options{})
	}
	return &Worker{
		repo:    repo,
		prod:    prod,
		brk:     brk,
		log:     log,
		tick:    opt.Tick,
		batch:   opt.Batch,
		timeout: opt.Timeout,
		stop:    make(chan struct{}),
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.runOnce()
			}
		}
	}()
}

// Stop waits for the batch in flight.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// runOnce publishes one batch of due records and returns how many were sent.
func (w *Worker) runOnce() int {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	recs, err := w.repo.FetchDue(ctx, w.batch)
	cancel()
	if err != nil {
		w.log.Warn("outbox fetch failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, r := range recs {
		if ok, wait := w.brk.Allow(r.Topic); !ok {
			metrics.BreakerDrop.Inc()
			_ = w.repo.Defer(context.Background(), r.ID, max(wait, w.tick))
			continue
		}

		var ev event.ChatEvent
		if err := json.Unmarshal([]byte(r.PayloadJSON), &ev); err != nil {
			_ = w.repo.MarkFailed(context.Background(), r.ID, r.RetryCount+1, "decode:"+err.Error(), 10*time.Second)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.prod.Publish(ctx, &ev)
		cancel()
		if err == nil {
			w.brk.Success(r.Topic)
			metrics.OutboxSent.Inc()
			_ = w.repo.MarkSent(context.Background(), r.ID)
			sent++
			continue
		}

		metrics.OutboxFail.Inc()
		if w.brk.Failure(r.Topic) {
			metrics.BreakerOpen.Inc()
			w.log.Warn("outbox breaker open", zap.String("topic", r.Topic), zap.Error(err))
		}
		rc := r.RetryCount + 1
		backoff := calcBackoff(rc)
		_ = w.repo.MarkFailed(context.Background(), r.ID, rc, err.Error(), backoff)
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry", zap.Int64("id", r.ID), zap.String("event", r.Event), zap.Int("retry", rc), zap.Duration("backoff", backoff), zap.Error(err))
		}
	}
	return sent
}

// calcBackoff doubles from 2s and caps at 60s.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
