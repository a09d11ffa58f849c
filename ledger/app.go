package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bankcore/cardvault/internal/cardcrypto"
	"github.com/bankcore/cardvault/internal/middleware"
	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"
)

// App is the ledger application: it wires the store, codec, service, policy
// and HTTP server together and owns their lifecycle.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	cron   *cron.Cron
	db     *sql.DB
	Addr   string
	logger *slog.Logger
	config *Config
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "cardvault"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	key, err := a.config.EncryptionKey()
	if err != nil {
		return err
	}
	codec, err := cardcrypto.New(key)
	if err != nil {
		return fmt.Errorf("initializing card codec: %w", err)
	}

	var repository *Repository
	switch a.config.RepoBackend {
	case "pg":
		if a.config.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.db = db
		repository = NewPGRepository(db)
	case "mem":
		if !a.config.AllowMem {
			return fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
		repository = NewRepository()
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}

	var loc *time.Location
	if a.config.ExpiryTZ != "" {
		loc, err = time.LoadLocation(a.config.ExpiryTZ)
		if err != nil {
			a.logger.Info("invalid EXPIRY_TZ; using UTC", slog.String("tz", a.config.ExpiryTZ), slog.Any("err", err))
			loc = nil
		}
	}

	svc := NewService(repository, codec, []byte(a.config.PANHashKey), a.logger, loc)
	policy := NewPolicy(repository)
	auth := NewAuth(repository, []byte(a.config.JWTSecret), a.logger)
	api := NewAPI(svc, policy, auth)

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))

	api.AppendAuthRoutes(router)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate([]byte(a.config.JWTSecret)))
		api.AppendRoutes(r)
	})

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// Expiry sweep: cards past their expiry month flip to EXPIRED on a
	// schedule; nothing else transitions cards automatically.
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.config.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := svc.ExpireDueCards(ctx); err != nil {
			a.logger.Error("expiry sweep", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling expiry sweep: %w", err)
	}
	a.cron.Start()

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.db != nil {
		a.db.Close()
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
