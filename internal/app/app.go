// Package app assembles the attendance engine from configuration. Both the API
// and the worker binary build on it so they agree on storage layout.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/attendance"
	"github.com/Mid-D-Man/AirCode-sub001/internal/codec"
	"github.com/Mid-D-Man/AirCode-sub001/internal/config"
	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
	"github.com/Mid-D-Man/AirCode-sub001/internal/qrpayload"
	"github.com/Mid-D-Man/AirCode-sub001/internal/queue"
	"github.com/Mid-D-Man/AirCode-sub001/internal/reconcile"
	"github.com/Mid-D-Man/AirCode-sub001/internal/remote"
	"github.com/Mid-D-Man/AirCode-sub001/internal/store"
)

// Backend names accepted in configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Backends holds the storage connections chosen by configuration.
type Backends struct {
	Local  offline.KeyValueStore
	Remote remote.DocumentStore
	Repo   attendance.Repository
	Queue  queue.Queue

	Redis *store.Redis
	DB    *store.DB
	Mongo *store.Mongo

	closers []func() error
}

// Open connects the configured backends. On error every connection opened so
// far is closed.
func Open(ctx context.Context, cfg config.App, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if err := b.open(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	if cfg.LocalBackend == BackendRedis || cfg.QueueBackend == BackendRedis {
		b.Redis = store.NewRedis(cfg.RedisAddr)
		b.closers = append(b.closers, b.Redis.Close)
	}
	if cfg.DatabaseURL != "" {
		db, dbErr := store.NewDB(ctx, cfg.DatabaseURL)
		switch {
		case dbErr == nil:
			b.DB = db
			b.closers = append(b.closers, db.Close)
		case cfg.RemoteBackend == BackendPostgres:
			return fmt.Errorf("connect postgres: %w", dbErr)
		default:
			logger.Warn("db not reachable, sessions kept in memory", "error", dbErr)
		}
	}

	switch cfg.LocalBackend {
	case BackendMemory:
		b.Local = store.NewMemory()
	case BackendRedis:
		b.Local = store.NewRedisKV(b.Redis.Client, "attendance:offline:")
	case BackendSQLite:
		kv, err := store.NewSQLiteKV(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		b.Local = kv
		b.closers = append(b.closers, kv.Close)
	default:
		return fmt.Errorf("unknown local backend %q", cfg.LocalBackend)
	}

	switch cfg.RemoteBackend {
	case BackendMemory:
		b.Remote = remote.NewMemory()
	case BackendPostgres:
		if b.DB == nil {
			return errors.New("postgres remote backend needs DATABASE_URL")
		}
		pg := remote.NewPostgres(b.DB.Client)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate remote documents: %w", err)
		}
		b.Remote = pg
	case BackendMongo:
		m, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		b.Mongo = m
		b.closers = append(b.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.Close(ctx)
		})
		b.Remote = remote.NewMongo(m.DB)
	default:
		return fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}

	if b.DB != nil {
		repo := attendance.NewPostgresRepository(b.DB.Client)
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate sessions: %w", err)
		}
		b.Repo = repo
	} else {
		b.Repo = attendance.NewMemoryRepository()
	}

	if cfg.QueueBackend == BackendRedis {
		b.Queue = queue.NewRedisQueue(b.Redis.Client, "")
	} else {
		b.Queue = queue.NewInMemory(64)
	}
	return nil
}

// CheckShared fails unless b can be shared with an API process that leaves
// syncing to a separate worker: the offline queue and the sessions must both
// live outside this process.
func CheckShared(cfg config.App, b *Backends) error {
	if cfg.LocalBackend == BackendMemory {
		return errors.New("split sync needs LOCAL_BACKEND redis or sqlite, a memory queue is private to one process")
	}
	if b.DB == nil {
		return errors.New("split sync needs a reachable DATABASE_URL, sessions held in memory are private to one process")
	}
	return nil
}

// Health reports the reachability of each connected backend.
func (b *Backends) Health(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if b.Redis != nil {
		out["redis"] = b.Redis.Healthy(ctx)
	}
	if b.DB != nil {
		out["db"] = b.DB.Healthy(ctx)
	}
	if b.Mongo != nil {
		out["mongo"] = b.Mongo.Healthy(ctx)
	}
	return out
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
	b.closers = nil
}

// Engine is the assembled attendance core.
type Engine struct {
	Store      *offline.Store
	Service    *attendance.Service
	Reconciler *reconcile.Reconciler
}

// MasterKey parses the configured master key. Outside production a missing
// key is replaced by a random one, which makes issued QR codes unverifiable
// after a restart.
func MasterKey(cfg config.App, logger *slog.Logger) ([]byte, error) {
	if cfg.MasterKeyHex != "" {
		return codec.ParseHexKey(cfg.MasterKeyHex)
	}
	if cfg.Production() {
		return nil, errors.New("MASTER_KEY_HEX is required in production")
	}
	logger.Warn("MASTER_KEY_HEX not set, using an ephemeral key")
	return codec.GenerateKey()
}

// NewEngine wires the offline store, the session service and the reconciler
// on top of b.
func NewEngine(cfg config.App, b *Backends, master []byte, logger *slog.Logger) (*Engine, error) {
	serializer, err := qrpayload.NewSerializer(master)
	if err != nil {
		return nil, err
	}
	var sealKey []byte
	if cfg.LocalEncryption {
		if sealKey, err = codec.DeriveKey(master, "offline-store"); err != nil {
			return nil, err
		}
	}
	st := offline.NewStore(b.Local, offline.Options{
		SealKey:   sealKey,
		Retention: cfg.RecordRetention,
		Logger:    logger,
	})

	q := b.Queue
	svc := attendance.NewService(attendance.Options{
		Serializer:          serializer,
		Store:               st,
		Repo:                b.Repo,
		Keys:                remote.NewSharded(b.Remote, attendance.SessionsCollection, nil),
		RotationInterval:    cfg.KeyRotationInterval,
		MaxRotationFailures: cfg.MaxRotationFailures,
		OfflineGrace:        cfg.OfflineGrace,
		Trigger: func(ctx context.Context, reason string) error {
			ctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			return q.Publish(ctx, queue.SyncTrigger(reason))
		},
		Logger: logger,
	})

	submitter := reconcile.NewDocumentSubmitter(remote.NewSharded(b.Remote, reconcile.AttendanceCollection, nil), nil)
	rec := reconcile.New(st, svc, submitter, reconcile.Config{
		MaxAttempts:    cfg.SyncMaxAttempts,
		AttemptTimeout: cfg.SyncAttemptTimeout,
		Backoff:        cfg.SyncBackoff,
		Interval:       cfg.SyncInterval,
		PurgeOnSuccess: cfg.PurgeSynced,
	}, logger)

	return &Engine{Store: st, Service: svc, Reconciler: rec}, nil
}
