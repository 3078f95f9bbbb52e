// Package delivery is the single entry point for sending a message: it fans
// one message out to both participants' logs and inbox entries.
package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"yuim/im-chat/internal/convstore"
	"yuim/im-chat/internal/directory"
	"yuim/im-chat/internal/metrics"
	"yuim/im-chat/internal/ratelimit"
	"yuim/im-chat/internal/recents"
	"yuim/im-chat/pkg/chat"
	"yuim/im-chat/pkg/event"
)

// Publisher receives every persisted message and applied inbox entry.
type Publisher interface {
	PublishMessage(key chat.LogKey, m chat.Message)
	PublishRecent(e chat.RecentEntry)
}

// EventSink journals delivery events for downstream consumers.
type EventSink interface {
	Enqueue(ctx context.Context, ev *event.ChatEvent) error
}

type SendRequest struct {
	From        chat.UserID
	To          chat.UserID
	Text        string
	ClientMsgID string
}

type Options struct {
	MaxTextLen int           `yaml:"max_text_len"`
	Retry      RetryOptions  `yaml:"retry"`
	IdemTTL    time.Duration `yaml:"idem_ttl"`
	Node       string        `yaml:"-"`
}

func (o Options) withDefaults() Options {
	if o.MaxTextLen <= 0 {
		o.MaxTextLen = chat.DefaultMaxTextLen
	}
	o.Retry = o.Retry.withDefaults()
	if o.IdemTTL <= 0 {
		o.IdemTTL = 7 * 24 * time.Hour
	}
	return o
}

// Deps are the collaborators of a Coordinator. Notifier, Events, Idem and
// Limiter are optional.
type Deps struct {
	Store     convstore.Store
	Index     recents.Index
	Directory directory.Directory
	Alloc     convstore.IDAllocator
	Notifier  Publisher
	Events    EventSink
	Idem      Idempotency
	Limiter   *ratelimit.Limiter
	Log       *zap.Logger
}

type Coordinator struct {
	store convstore.Store
	index recents.Index
	dir   directory.Directory
	alloc convstore.IDAllocator
	pub   Publisher
	sink  EventSink
	idem  Idempotency
	limit *ratelimit.Limiter
	log   *zap.Logger
	opt   Options
	now   func() time.Time

	locks *pairLocks
}

func New(d Deps, opt Options) *Coordinator {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store: d.Store,
		index: d.Index,
		dir:   d.Directory,
		alloc: d.Alloc,
		pub:   d.Notifier,
		sink:  d.Events,
		idem:  d.Idem,
		limit: d.Limiter,
		log:   log,
		opt:   opt.withDefaults(),
		now:   time.Now,
		locks: newPairLocks(),
	}
}

// Send validates req, persists the message in the sender's log and fans it
// out to the recipient's log and both inbox entries.
//
// Errors: *chat.ValidationError before anything is written;
// chat.ErrRateLimited; *chat.WriteError when the sender copy could not be
// stored; *chat.PartialDeliveryError when it was stored but a later step
// failed (the Receipt is valid in that case).
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (chat.Receipt, error) {
	start := c.now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	text, err := c.validate(req)
	if err != nil {
		metrics.SendRejected.WithLabelValues("validation").Inc()
		return chat.Receipt{}, err
	}
	if !c.limit.Allow(req.From, c.now()) {
		metrics.SendRejected.WithLabelValues("rate_limit").Inc()
		return chat.Receipt{}, chat.ErrRateLimited
	}
	fromMeta, toMeta, err := c.lookupPair(ctx, req.From, req.To)
	if err != nil {
		if chat.IsValidation(err) {
			metrics.SendRejected.WithLabelValues("unknown_user").Inc()
		}
		return chat.Receipt{}, err
	}

	ck := chat.ConversationKeyOf(req.From, req.To)
	unlock := c.locks.lock(ck)
	if rc, ok := c.lookupIdem(ctx, req); ok {
		unlock()
		metrics.SendDuplicate.Inc()
		return rc, nil
	}

	id, at, err := c.alloc.Next()
	if err != nil {
		unlock()
		metrics.SendFail.Inc()
		return chat.Receipt{}, &chat.WriteError{Op: "allocate", Err: err}
	}
	msg := chat.Message{
		ID:              id,
		ConversationKey: ck,
		SenderID:        req.From,
		RecipientID:     req.To,
		Text:            text,
		SentAt:          at,
	}
	failed, err := c.fanOut(ctx, msg, fromMeta, toMeta)
	if err != nil && len(failed) == 0 {
		unlock()
		metrics.SendFail.Inc()
		c.log.Warn("send failed", zap.String("from", req.From), zap.String("to", req.To), zap.Int64("msg_id", int64(id)), zap.Error(err))
		return chat.Receipt{}, err
	}

	// the receipt is stored before the lock is released so a retry with the
	// same client id cannot slip in between and send twice
	rc := chat.Receipt{MessageID: msg.ID, SentAt: msg.SentAt, ConversationKey: ck, Cursor: msg.Cursor()}
	c.storeIdem(ctx, req, rc)
	unlock()
	return rc, c.finish(ctx, msg, failed, err)
}

// Redeliver replays the fan-out of an already allocated message. Every step
// is idempotent, so it is safe to call for messages that were fully or
// partially delivered before.
func (c *Coordinator) Redeliver(ctx context.Context, m chat.Message) error {
	if m.ConversationKey == "" {
		m.ConversationKey = chat.ConversationKeyOf(m.SenderID, m.RecipientID)
	}
	m.SentAt = m.SentAt.UTC().Truncate(time.Microsecond)
	if err := m.Validate(); err != nil {
		return err
	}
	fromMeta, toMeta, err := c.lookupPair(ctx, m.SenderID, m.RecipientID)
	if err != nil {
		return err
	}

	unlock := c.locks.lock(m.ConversationKey)
	failed, err := c.fanOut(ctx, m, fromMeta, toMeta)
	unlock()
	if err != nil && len(failed) == 0 {
		return err
	}
	return c.finish(ctx, m, failed, err)
}

func (c *Coordinator) validate(req SendRequest) (string, error) {
	if err := chat.ValidateUserID("from_id", req.From); err != nil {
		return "", err
	}
	if err := chat.ValidateUserID("to_id", req.To); err != nil {
		return "", err
	}
	if len(req.ClientMsgID) > maxClientMsgIDLen {
		return "", &chat.ValidationError{Field: "client_msg_id", Reason: "too long"}
	}
	return chat.NormalizeText(req.Text, c.opt.MaxTextLen)
}

// lookupPair returns the directory metadata of both users.
func (c *Coordinator) lookupPair(ctx context.Context, from, to chat.UserID) (fromMeta, toMeta chat.PeerMeta, err error) {
	if fromMeta, err = c.lookup(ctx, "from_id", from); err != nil {
		return
	}
	if from == to {
		return fromMeta, fromMeta, nil
	}
	toMeta, err = c.lookup(ctx, "to_id", to)
	return
}

func (c *Coordinator) lookup(ctx context.Context, field string, id chat.UserID) (chat.PeerMeta, error) {
	meta, err := c.dir.Lookup(ctx, id)
	if errors.Is(err, chat.ErrUnknownUser) {
		return meta, &chat.ValidationError{Field: field, Reason: "unknown user " + id}
	}
	if err != nil {
		return meta, &chat.WriteError{Op: "lookup", Err: err}
	}
	return meta, nil
}

// fanOut runs the writes of one message. A non-nil error with no failed
// steps means the sender copy was not stored.
func (c *Coordinator) fanOut(ctx context.Context, m chat.Message, fromMeta, toMeta chat.PeerMeta) ([]chat.Step, error) {
	senderKey := chat.LogKey{Owner: m.SenderID, Peer: m.RecipientID}
	if err := c.appendStep(ctx, chat.StepSenderLog, senderKey, m); err != nil {
		return nil, err
	}

	var failed []chat.Step
	var errs []error
	fail := func(step chat.Step, err error) {
		failed = append(failed, step)
		if err != nil {
			errs = append(errs, err)
		}
	}

	// self-chat: one log, one inbox entry
	if m.SenderID == m.RecipientID {
		if err := c.upsertStep(ctx, chat.StepSenderIndex, chat.RecentFor(m.SenderID, m, fromMeta)); err != nil {
			fail(chat.StepSenderIndex, err)
		}
		return failed, errors.Join(errs...)
	}

	recipientOK := true
	if err := c.appendStep(ctx, chat.StepRecipientLog, senderKey.Mirror(), m); err != nil {
		recipientOK = false
		fail(chat.StepRecipientLog, err)
	}
	if err := c.upsertStep(ctx, chat.StepSenderIndex, chat.RecentFor(m.SenderID, m, toMeta)); err != nil {
		fail(chat.StepSenderIndex, err)
	}
	if !recipientOK {
		fail(chat.StepRecipientIndex, nil)
	} else if err := c.upsertStep(ctx, chat.StepRecipientIndex, chat.RecentFor(m.RecipientID, m, fromMeta)); err != nil {
		fail(chat.StepRecipientIndex, err)
	}
	return failed, errors.Join(errs...)
}

func (c *Coordinator) appendStep(ctx context.Context, step chat.Step, key chat.LogKey, m chat.Message) error {
	err := c.retry(ctx, step, func() error {
		_, err := c.store.Append(ctx, key, m)
		return err
	})
	if err != nil {
		return err
	}
	if c.pub != nil {
		c.pub.PublishMessage(key, m)
	}
	return nil
}

func (c *Coordinator) upsertStep(ctx context.Context, step chat.Step, e chat.RecentEntry) error {
	var applied bool
	err := c.retry(ctx, step, func() error {
		var err error
		applied, err = c.index.Upsert(ctx, e)
		return err
	})
	if err != nil {
		return err
	}
	if applied && c.pub != nil {
		c.pub.PublishRecent(e)
	}
	return nil
}

// finish records the outcome of a fan-out and journals its event.
func (c *Coordinator) finish(ctx context.Context, m chat.Message, failed []chat.Step, err error) error {
	ev := &event.ChatEvent{
		Event:   event.MsgSend,
		TS:      c.now().Unix(),
		Node:    c.opt.Node,
		FromUID: m.SenderID,
		ToUID:   m.RecipientID,
		ConvKey: string(m.ConversationKey),
		Msg:     m,
	}
	var out error
	if len(failed) > 0 {
		metrics.SendPartial.Inc()
		ev.Event = event.MsgPartial
		ev.Failed = failed
		out = &chat.PartialDeliveryError{MessageID: m.ID, SentAt: m.SentAt, Failed: failed, Err: err}
		c.log.Warn("partial delivery",
			zap.Int64("msg_id", int64(m.ID)),
			zap.String("conv", string(m.ConversationKey)),
			zap.Any("failed", failed),
			zap.Error(err))
	} else {
		metrics.SendOK.Inc()
	}

	if c.sink != nil {
		if jerr := c.sink.Enqueue(ctx, ev); jerr != nil {
			c.log.Error("journal event failed", zap.String("event", ev.Event), zap.Int64("msg_id", int64(m.ID)), zap.Error(jerr))
		}
	}
	return out
}

func (c *Coordinator) lookupIdem(ctx context.Context, req SendRequest) (chat.Receipt, bool) {
	if c.idem == nil || req.ClientMsgID == "" {
		return chat.Receipt{}, false
	}
	rc, ok, err := c.idem.Get(ctx, req.From, req.ClientMsgID)
	if err != nil {
		c.log.Warn("idempotency lookup failed", zap.String("from", req.From), zap.Error(err))
		return chat.Receipt{}, false
	}
	return rc, ok
}

func (c *Coordinator) storeIdem(ctx context.Context, req SendRequest, rc chat.Receipt) {
	if c.idem == nil || req.ClientMsgID == "" {
		return
	}
	if err := c.idem.Put(ctx, req.From, req.ClientMsgID, rc, c.opt.IdemTTL); err != nil {
		c.log.Warn("idempotency store failed", zap.String("from", req.From), zap.Error(err))
	}
}
