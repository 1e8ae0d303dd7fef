package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/chi-demo/app"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cfg.Build(ctx)
	if err != nil {
		slog.Error("Failed to build runtime", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := run(ctx, rt); err != nil {
		rt.Logger.Error("Server stopped with error", "err", err)
		os.Exit(1)
	}
	rt.Logger.Info("Server exiting")
}

func run(ctx context.Context, rt *config.Runtime) error {
	cfg := rt.Config
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           routes(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Propagator.Run(ctx)
	})
	g.Go(func() error {
		// the in-process runner serves deployments without a separate worker
		return rt.NewRunner().Run(ctx)
	})
	g.Go(func() error {
		rt.Logger.Info("Media server starting",
			"port", cfg.Port, "env", cfg.Environment,
			"database", cfg.DatabaseType, "storage", cfg.StorageType)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		rt.Logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func routes(rt *config.Runtime) http.Handler {
	cfg := rt.Config
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	app.RoutesHealthz(r)
	app.RoutesHealthzReady(r)
	r.Handle("/metrics", promhttp.Handler())

	identify := api.HeaderIdentity(api.DefaultOwnerHeader)
	var tokenAuth *jwtauth.JWTAuth
	if cfg.JWTSecret != "" {
		tokenAuth = jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
		identify = api.JWTIdentity()
	}

	mediaHandler := api.NewMediaHandler(rt.Service,
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
		api.WithSignedURLTTL(cfg.SignedURLTTL),
		api.WithLogger(rt.Logger),
	)

	r.Route("/api/v1", func(r chi.Router) {
		if tokenAuth != nil {
			r.Use(jwtauth.Verifier(tokenAuth))
		}
		r.Use(api.AuthenticationMiddleware(identify))
		r.Mount("/media", mediaHandler.Routes())
	})

	if rt.Signer != nil {
		filesHandler := api.NewFilesHandler(rt.Store, rt.Signer, rt.Logger)
		r.Mount(filesHandler.MountPath(), filesHandler.Routes())
	}

	return r
}
