package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/consentgate/internal/alert"
	"github.com/ppiankov/consentgate/internal/audit"
	"github.com/ppiankov/consentgate/internal/client"
	"github.com/ppiankov/consentgate/internal/config"
	"github.com/ppiankov/consentgate/internal/gate"
	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/usage"
)

// ledgerStore is a consent ledger that also holds the usage log.
type ledgerStore interface {
	ledger.Store
	ledger.UsageLog
}

// runtime is the locally assembled gate and everything it owns.
type runtime struct {
	cfg    *config.Config
	hash   string
	logger *log.Logger

	store    ledgerStore
	recorder usage.Recorder
	async    *usage.Logger
	redis    *redis.Client
	audit    *audit.Log
	gate     *gate.Service
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "consentgate: ", log.LstdFlags)
}

// openRuntime loads the config and builds the gate from it.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, hash, err := config.LoadWithHash(configPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, hash: hash, logger: newLogger()}

	rt.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	switch cfg.Usage.Mode {
	case config.UsageRedis:
		rc := cfg.Usage.Redis
		rt.redis, err = usage.NewRedisClient(ctx, rc.Addr, rc.Password, rc.DB)
		if err != nil {
			rt.Close()
			return nil, err
		}
		queue := usage.NewRedisQueue(rt.redis, rc.Key, nil)
		rt.async = usage.NewLogger(queue, cfg.Usage.Buffer, cfg.Usage.Workers, rt.logger, nil)
	default:
		rt.async = usage.NewLogger(rt.store, cfg.Usage.Buffer, cfg.Usage.Workers, rt.logger, nil)
	}
	rt.recorder = rt.async

	if cfg.AuditLog != "" {
		rt.audit, err = audit.Open(cfg.AuditLog)
		if errors.Is(err, audit.ErrPartialEntry) {
			rt.Close()
			return nil, fmt.Errorf("%w (inspect with: consentgate audit verify %s)", err, cfg.AuditLog)
		}
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.gate, err = gate.New(gate.Options{
		Ledger:        rt.store,
		Usage:         rt.recorder,
		History:       rt.store,
		Audit:         rt.audit,
		Alerts:        alert.NewDispatcher(cfg.Alerts, rt.logger),
		ConfigHash:    hash,
		AuditDenials:  cfg.AuditDenials,
		AutoLogUsage:  cfg.AutoLogUsage,
		RedactQueries: cfg.Usage.RedactQueryText,
		Logger:        rt.logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (ledgerStore, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return ledger.NewMemoryStore(nil), nil
	case config.DriverSQLite:
		s, err := ledger.OpenSQLite(ctx, sc.DSN, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := ledger.OpenPostgres(ctx, sc.DSN, sc.MaxConns, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// drainer returns the Redis drainer, or nil in async mode.
func (rt *runtime) drainer() *usage.Drainer {
	if rt.redis == nil {
		return nil
	}
	return usage.NewDrainer(rt.redis, rt.cfg.Usage.Redis.Key, rt.store, rt.logger)
}

// Close flushes queued usage and releases the store.
func (rt *runtime) Close() error {
	var errs []error
	if rt.async != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.async.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush usage: %w", err))
		}
		cancel()
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}

// backend is the gate surface shared by the local service and the gRPC client.
type backend interface {
	CheckPermission(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) model.Verdict
	UpdateConsent(ctx context.Context, in model.ConsentInput) (*model.Entry, error)
	RevokeConsent(ctx context.Context, ref model.EntityRef, revokedBy, reason string) (*model.Entry, error)
	ValidateAuthority(ctx context.Context, ref model.EntityRef) model.CheckResult
	UsageHistory(ctx context.Context, ref model.EntityRef, f model.UsageFilter) (*model.UsageHistory, error)
	ListEntries(ctx context.Context, ref model.EntityRef) ([]model.Entry, error)
}

var (
	_ backend = (*gate.Service)(nil)
	_ backend = (*client.Client)(nil)
)

// session is a backend plus a usage writer that reports errors.
type session struct {
	backend
	logUsage func(ctx context.Context, e model.UsageEntry) error
	close    func() error
}

// openSession connects to --remote when set, otherwise builds a local gate.
func openSession(ctx context.Context) (*session, error) {
	if remoteAddr != "" {
		c, err := client.New(remoteAddr)
		if err != nil {
			return nil, err
		}
		return &session{backend: c, logUsage: c.LogUsage, close: c.Close}, nil
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return nil, err
	}
	return &session{backend: rt.gate, logUsage: rt.recorder.Record, close: rt.Close}, nil
}
