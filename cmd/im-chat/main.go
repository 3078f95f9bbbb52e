package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yuim/im-chat/internal/auth"
	"yuim/im-chat/internal/breaker"
	"yuim/im-chat/internal/config"
	"yuim/im-chat/internal/convstore"
	"yuim/im-chat/internal/db"
	"yuim/im-chat/internal/delivery"
	"yuim/im-chat/internal/directory"
	"yuim/im-chat/internal/httpapi"
	"yuim/im-chat/internal/idgen"
	"yuim/im-chat/internal/metrics"
	"yuim/im-chat/internal/notify"
	"yuim/im-chat/internal/outbox"
	"yuim/im-chat/internal/producer"
	"yuim/im-chat/internal/ratelimit"
	"yuim/im-chat/internal/recents"
	"yuim/im-chat/pkg/event"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var (
		cfgPaths   string
		outboxOnly bool
		issueFor   string
	)
	flag.StringVar(&cfgPaths, "c", "", "config file path (supports: a.yml,b.yml); defaults to $"+config.EnvPath)
	flag.BoolVar(&outboxOnly, "outbox-only", false, "run only the outbox relay, without the client API")
	flag.StringVar(&issueFor, "issue-token", "", "print a login token for this user id and exit")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.Database})
		defer rdb.Close()
	}

	if issueFor != "" {
		tok, err := issueToken(cfg, rdb, issueFor)
		if err != nil {
			log.Fatal("issue token failed", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	log.Info("im-chat starting", zap.String("version", Version), zap.String("env", cfg.Env),
		zap.String("addr", cfg.HTTP.Addr), zap.String("storage", cfg.Storage.Driver), zap.String("recents", cfg.Recents.Driver))
	metrics.Register()
	if !cfg.Auth.Enabled {
		log.Warn("AUTH DISABLED: callers choose their user id via "+cfg.Auth.DevHeader+" or ?uid=; do not expose this instance",
			zap.String("env", cfg.Env))
	}

	alloc, err := idgen.New(idgen.Options{MachineID: cfg.NodeID})
	if err != nil {
		log.Fatal("idgen init failed", zap.Error(err))
	}

	// SQL database, shared by the conversation store, recents, directory and outbox
	var sqlDB *db.DB
	if cfg.Storage.Driver != "memory" {
		sqlDB, err = db.Open(db.Options{
			Driver:       cfg.Storage.Driver,
			DSN:          cfg.Storage.DSN,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MaxIdleConns,
			ConnMaxLife:  cfg.Storage.ConnMaxLife,
			ConnMaxIdle:  cfg.Storage.ConnMaxIdle,
		})
		if err != nil {
			log.Fatal("db init failed", zap.Error(err))
		}
		defer sqlDB.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = sqlDB.Migrate(ctx)
		cancel()
		if err != nil {
			log.Fatal("db migrate failed", zap.Error(err))
		}
	}

	prod, closeProd := newProducer(cfg, log)
	defer closeProd()

	var (
		sink   delivery.EventSink = publishSink{prod}
		worker *outbox.Worker
	)
	if sqlDB != nil {
		repo := outbox.NewRepo(sqlDB, cfg.RocketMQ.Topic, cfg.RocketMQ.Tag)
		brk := breaker.New(breaker.Options{Threshold: cfg.Breaker.Threshold, Window: cfg.Breaker.Window, OpenFor: cfg.Breaker.OpenFor})
		worker = outbox.NewWorker(repo, prod, brk, log.Named("outbox"), outbox.Options{Tick: cfg.Outbox.Tick, Batch: cfg.Outbox.Batch, Timeout: cfg.Outbox.Timeout})
		worker.Start()
		defer worker.Stop()
		sink = repo
	}

	if outboxOnly {
		if worker == nil {
			log.Fatal("outbox-only needs a sqlite or mysql storage.driver")
		}
		log.Info("outbox relay started", zap.String("topic", cfg.RocketMQ.Topic))
		waitSignal()
		log.Info("im-chat stopped")
		return
	}

	var store convstore.Store
	if sqlDB != nil {
		store = convstore.NewSQL(sqlDB, alloc)
	} else {
		mem := convstore.NewMemory(alloc)
		defer mem.Close()
		store = mem
	}

	var index recents.Index
	switch cfg.Recents.Driver {
	case "sql":
		index = recents.NewSQL(sqlDB)
	case "redis":
		index = recents.NewRedis(rdb)
	default:
		index = recents.NewMemory()
	}

	dir, err := newDirectory(cfg, sqlDB)
	if err != nil {
		log.Fatal("directory init failed", zap.Error(err))
	}

	var idem delivery.Idempotency
	switch cfg.Idempotency.Driver {
	case "redis":
		idem = delivery.NewRedisIdem(rdb)
	case "memory":
		idem = delivery.NewMemoryIdem()
	}

	hub := notify.NewHub(store, log.Named("notify"), notify.Options{MaxPending: cfg.Subscription.MaxPending, BackfillPage: cfg.Subscription.BackfillPage})
	defer hub.Close()

	coord := delivery.New(delivery.Deps{
		Store:     store,
		Index:     index,
		Directory: dir,
		Alloc:     alloc,
		Notifier:  hub,
		Events:    sink,
		Idem:      idem,
		Limiter:   ratelimit.New(ratelimit.Options{RPS: cfg.Delivery.RateLimit.RPS, Burst: cfg.Delivery.RateLimit.Burst}),
		Log:       log.Named("delivery"),
	}, delivery.Options{
		MaxTextLen: cfg.Delivery.MaxTextLen,
		Retry: delivery.RetryOptions{
			MaxAttempts:     cfg.Delivery.Retry.MaxAttempts,
			InitialInterval: cfg.Delivery.Retry.InitialInterval,
			MaxInterval:     cfg.Delivery.Retry.MaxInterval,
		},
		IdemTTL: cfg.Idempotency.TTL,
		Node:    fmt.Sprintf("%s-%d", cfg.Env, cfg.NodeID),
	})

	api := httpapi.New(coord, store, index, hub, log.Named("http"), httpapi.Options{
		DefaultLimit: cfg.Sync.DefaultLimit,
		MaxLimit:     cfg.Sync.MaxLimit,
		Timeout:      cfg.Timeout,
		WriteWait:    cfg.HTTP.WSWriteWait,
		PingPeriod:   cfg.HTTP.WSPingPeriod,
	})

	resolver, err := newResolver(cfg, rdb)
	if err != nil {
		log.Fatal("auth init failed", zap.Error(err))
	}
	handler := auth.Wrap(auth.Config{
		Enabled:        cfg.Auth.Enabled,
		Mode:           cfg.Auth.Mode,
		Header:         cfg.Auth.Token.Header,
		BearerPrefix:   cfg.Auth.Token.BearerPrefix,
		QueryKey:       cfg.Auth.Token.QueryKey,
		PublicPaths:    cfg.Auth.PublicPaths,
		ProtectedPaths: cfg.Auth.ProtectedPaths,
		DevHeader:      cfg.Auth.DevHeader,
	}, resolver, api.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("im-chat listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	waitSignal()
	log.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	// live streams are hijacked connections; closing the hub ends them
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("im-chat stopped")
}

func waitSignal() {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// publishSink hands events straight to the producer when there is no SQL
// outbox to journal them in.
type publishSink struct {
	outbox.Producer
}

func (s publishSink) Enqueue(ctx context.Context, ev *event.ChatEvent) error {
	return s.Publish(ctx, ev)
}

type closingProducer interface {
	outbox.Producer
	Close() error
}

func newProducer(cfg *config.Config, log *zap.Logger) (outbox.Producer, func()) {
	var p closingProducer = producer.NewLog(log.Named("events"))
	if cfg.RocketMQ.Enabled {
		mq, err := producer.NewRocketMQ(producer.RocketMQSettings{
			Enabled:    true,
			NameServer: cfg.RocketMQ.NameServer,
			Topic:      cfg.RocketMQ.Topic,
			Tag:        cfg.RocketMQ.Tag,
			Group:      cfg.RocketMQ.ProducerGroup,
			AccessKey:  cfg.RocketMQ.AccessKey,
			SecretKey:  cfg.RocketMQ.SecretKey,
		})
		if err != nil {
			log.Fatal("rocketmq producer init failed", zap.Error(err))
		}
		p = mq
	}
	return p, func() {
		if err := p.Close(); err != nil {
			log.Warn("producer close", zap.Error(err))
		}
	}
}

// newDirectory seeds the configured users and puts a TTL cache in front.
func newDirectory(cfg *config.Config, sqlDB *db.DB) (directory.Directory, error) {
	users := make([]directory.User, 0, len(cfg.Directory.Users))
	for _, u := range cfg.Directory.Users {
		users = append(users, directory.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email, AvatarURL: u.AvatarURL})
	}
	if sqlDB == nil {
		return directory.NewCache(directory.NewMemory(users...), cfg.Directory.CacheTTL), nil
	}
	d := directory.NewSQL(sqlDB)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, u := range users {
		if err := d.Put(ctx, u); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return directory.NewCache(d, cfg.Directory.CacheTTL), nil
}

func newResolver(cfg *config.Config, rdb *redis.Client) (auth.Resolver, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}
	switch cfg.Auth.Source {
	case "token":
		return auth.TokenResolver{Secret: cfg.Auth.Token.Secret}, nil
	case "session":
		ttl := time.Duration(cfg.Auth.Token.TTLDays) * 24 * time.Hour
		return auth.SessionResolver{Sessions: auth.NewSessionStore(rdb, cfg.Auth.Token.RedisPrefix, ttl)}, nil
	}
	return nil, fmt.Errorf("unknown auth source %q", cfg.Auth.Source)
}

// issueToken mints a login for uid: a self-contained token, or a random one
// backed by a Redis session.
func issueToken(cfg *config.Config, rdb *redis.Client, uid string) (string, error) {
	if cfg.Auth.Source == "token" {
		return auth.IssueToken(uid, cfg.Auth.Token.Secret)
	}
	if rdb == nil {
		return "", errors.New("session tokens need redis.addr")
	}
	tok := uuid.NewString()
	ttl := time.Duration(cfg.Auth.Token.TTLDays) * 24 * time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := auth.NewSessionStore(rdb, cfg.Auth.Token.RedisPrefix, ttl).Put(ctx, tok, map[string]string{"userId": uid}); err != nil {
		return "", err
	}
	return tok, nil
}
