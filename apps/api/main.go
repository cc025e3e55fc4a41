package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/edconnect-jp/roster-bridge/contracts"
	rosterhandler "github.com/edconnect-jp/roster-bridge/domains/roster/be/handler"
	rosterrepo "github.com/edconnect-jp/roster-bridge/domains/roster/be/repo"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/schema"
	rosterservice "github.com/edconnect-jp/roster-bridge/domains/roster/be/service"
	platformauth "github.com/edconnect-jp/roster-bridge/platform/go/auth"
	platformlogging "github.com/edconnect-jp/roster-bridge/platform/go/logging"
	platformmiddleware "github.com/edconnect-jp/roster-bridge/platform/go/middleware"
	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	APIKeyFile      string        `env:"API_KEY_FILE,required"`
	ProfileFile     string        `env:"PROFILE_FILE"` // overrides the embedded Japan Profile when set
	MaxUploadMB     int64         `env:"MAX_UPLOAD_MB" envDefault:"32"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "roster-bridge-api",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	store, err := persistence.NewRosterStore(ctx, pool)
	if err != nil {
		logger.Fatal("init roster store", zap.Error(err))
	}

	registry, err := platformauth.NewRegistry(cfg.APIKeyFile)
	if err != nil {
		logger.Fatal("load api key file", zap.String("path", cfg.APIKeyFile), zap.Error(err))
	}
	logger.Info("api keys loaded", zap.Int("key_count", len(registry.Keys())))

	profile, err := loadProfile(cfg.ProfileFile)
	if err != nil {
		logger.Fatal("load field profile", zap.Error(err))
	}

	rosterRepo := rosterrepo.NewPostgresRepository(store)
	rosterService := rosterservice.New(rosterRepo, profile, logger)
	rosterHTTPHandler := rosterhandler.New(rosterService, registry, logger, cfg.MaxUploadMB<<20)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	registerDocsRoutes(rootRouter, logger)

	apiRouter := chi.NewRouter()
	apiRouter.Use(platformauth.APIKey(registry, logger))
	apiRouter.Use(platformmiddleware.RequestTrace)
	apiRouter.Use(mustNewSpecValidator(logger))
	rosterHTTPHandler.Register(apiRouter)

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func loadProfile(path string) (*schema.Profile, error) {
	if path == "" {
		return schema.DefaultProfile()
	}
	return schema.LoadProfileFile(path)
}

// mustNewSpecValidator builds oapi-codegen validator middleware from the
// embedded contract so every request is checked against it before reaching
// the handlers.
func mustNewSpecValidator(logger *zap.Logger) func(http.Handler) http.Handler {
	spec, err := contracts.GetSwagger()
	if err != nil {
		logger.Fatal("load roster contract", zap.Error(err))
	}
	logSecuritySchemes(logger, spec)

	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: platformmiddleware.ValidateAPIKeyViaSwagger,
		},
	})
}

func logSecuritySchemes(logger *zap.Logger, spec *openapi3.T) {
	names := make([]string, 0, len(spec.Components.SecuritySchemes))
	for name := range spec.Components.SecuritySchemes {
		names = append(names, name)
	}
	logger.Info("loaded security schemes", zap.Strings("names", names))
}
