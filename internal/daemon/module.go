package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/journal"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/session"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
	Debug      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideJournal,
			provideRESTClient,
			provideDialer,
			provideEngine,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideJournal opens and migrates the journal. It returns nil when the
// journal is disabled. The lock is taken first so two daemons never share it.
func provideJournal(p Params, _ *lock.Lock, logger *zap.Logger) (*journal.Journal, error) {
	if !p.Config.Journal.Enabled {
		logger.Info("journal disabled")
		return nil, nil
	}
	path := session.JournalPath(p.Profile)
	j, err := journal.Open(path, p.Config.Journal.Retain, logger.Named("journal"))
	if err != nil {
		return nil, err
	}
	result, err := j.Migrate()
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("journal initialized", zap.String("path", path))
	return j, nil
}

func provideRESTClient(p Params) *rest.Client {
	return rest.New(p.Config.Server.BaseURL,
		rest.WithToken(p.Config.Server.Token),
		rest.WithTimeout(p.Config.Server.RequestTimeout.Duration),
	)
}

func provideDialer(p Params) transport.Dialer {
	return &transport.WebSocketDialer{
		HTTPClient: &http.Client{Timeout: p.Config.Server.RequestTimeout.Duration},
		Token:      p.Config.Server.Token,
	}
}

func provideEngine(p Params, client *rest.Client, dialer transport.Dialer, b *bus.Bus, j *journal.Journal, logger *zap.Logger) *intsync.Engine {
	t := p.Config.Timing
	cfg := intsync.Config{
		Self:             chat.ID(p.Config.Server.UserID),
		WSURL:            p.Config.Server.WSURL,
		ReconnectDelay:   t.ReconnectDelay.Duration,
		DeliveredAfter:   t.DeliveredAfter.Duration,
		TypingExpiry:     t.TypingExpiry.Duration,
		PresenceInterval: t.PresenceInterval.Duration,
		Typing: typing.Timing{
			Idle:       t.TypingIdle.Duration,
			Grace:      t.TypingGrace.Duration,
			EmptyClear: t.TypingEmptyClear.Duration,
		},
	}
	var tap conn.Tap
	if j != nil {
		tap = j
	}
	return intsync.NewEngine(cfg, client, dialer, b, tap, logger.Named("engine"))
}

func provideControlService(p Params, engine *intsync.Engine, j *journal.Journal, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	var reader api.JournalReader
	if j != nil {
		reader = j
	}
	return api.NewControlService(p.Profile, engine, reader, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, j *journal.Journal, engine *intsync.Engine, logger *zap.Logger) {
	var cancelLoad context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Load both lists without holding up startup. Failures are logged
			// by the engine and leave the lists empty until a refresh.
			var ctx context.Context
			ctx, cancelLoad = context.WithTimeout(context.Background(), time.Minute)
			go func() {
				defer cancelLoad()
				_, _ = engine.LoadConversations(ctx)
				_, _ = engine.LoadArchivedConversations(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancelLoad != nil {
				cancelLoad()
			}
			srv.Stop(ctx)
			engine.Stop()
			if j != nil {
				if err := j.Close(); err != nil {
					logger.Warn("error closing journal", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
