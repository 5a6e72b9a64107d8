package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cbodonnell/townsquare/pkg/api"
	authhandlers "github.com/cbodonnell/townsquare/pkg/auth/handlers"
	authproviders "github.com/cbodonnell/townsquare/pkg/auth/providers"
	"github.com/cbodonnell/townsquare/pkg/authority"
	"github.com/cbodonnell/townsquare/pkg/config"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/network"
	"github.com/cbodonnell/townsquare/pkg/repositories"
	"github.com/cbodonnell/townsquare/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOWNSQUARE_CONFIG"), "path to config file")
	logLevel := flag.String("log-level", "", "Log level, overrides the config file")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		panic(err)
	}
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	parsedLogLevel, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting townsquare server version %s", version.Get())
	ctx := context.Background()

	var authProvider authproviders.AuthProvider
	var authHandler authhandlers.AuthHandler
	if cfg.FirebaseProjectID != "" && !cfg.DevLogin {
		authProvider, err = authproviders.NewFirebaseAuthProvider(ctx, cfg.FirebaseProjectID, cfg.FirebaseAPIKey)
		if err != nil {
			panic(fmt.Sprintf("Failed to create Firebase auth provider: %v", err))
		}
	} else {
		jwtProvider, err := authproviders.NewJWTAuthProvider(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			panic(fmt.Sprintf("Failed to create JWT auth provider: %v", err))
		}
		authProvider = jwtProvider
		if cfg.DevLogin {
			log.Warn("Development login is enabled, anyone can obtain a token")
			authHandler = authhandlers.NewJWTAuthHandler(jwtProvider, authhandlers.DefaultTokenTTL)
		}
	}

	driver, dsn, err := cfg.Database()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse database url: %v", err))
	}

	var repository repositories.Repository
	switch driver {
	case "sqlite":
		repository, err = repositories.NewSQLiteRepository(ctx, dsn, filepath.Join(cfg.MigrationsDir, "sqlite"))
		if err != nil {
			panic(fmt.Sprintf("Failed to create SQLite repository: %v", err))
		}
	case "postgresql":
		repository, err = repositories.NewPostgresRepository(ctx, dsn, filepath.Join(cfg.MigrationsDir, "postgres"))
		if err != nil {
			panic(fmt.Sprintf("Failed to create Postgres repository: %v", err))
		}
	}
	defer repository.Close(ctx)

	service := authority.NewService(authority.NewServiceOptions{
		Repository: repository,
	})

	hub := network.NewHub(network.NewHubOptions{
		AuthProvider: authProvider,
		Repository:   repository,
		Authorize: func(ctx context.Context, userID int64, gameID int64) error {
			_, err := service.GetGame(ctx, userID, gameID)
			return err
		},
	})

	apiServerOpts := api.NewAPIServerOptions{
		Port:         cfg.Port,
		AuthProvider: authProvider,
		Repository:   repository,
		Service:      service,
		Hub:          hub,
		AuthHandler:  authHandler,
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		apiServerOpts.TLS = &api.TLSConfig{
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		}
	}
	server := api.NewAPIServer(apiServerOpts)
	go server.Start()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Info("Shutting down")

	hub.Close()
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		log.Error("Failed to stop server: %v", err)
	}
}
