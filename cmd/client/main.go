package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbodonnell/townsquare/pkg/client"
	"github.com/cbodonnell/townsquare/pkg/client/identity"
	"github.com/cbodonnell/townsquare/pkg/client/reconciler"
	"github.com/cbodonnell/townsquare/pkg/config"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOWNSQUARE_CONFIG"), "path to config file")
	logLevel := flag.String("log-level", "", "Log level, overrides the config file")
	gameID := flag.Int64("game-id", 0, "id of a game to open")
	joinCode := flag.String("join-code", "", "join code of a game to join and open")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		panic(err)
	}
	cfg, err := config.LoadClient(*configPath)
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

	log.Info("Starting townsquare client version %s", version.Get())

	if (*gameID == 0) == (*joinCode == "") {
		panic("exactly one of -game-id or -join-code must be set")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var credentials *identity.StaticCredentials
	if cfg.Token != "" {
		credentials, err = identity.NewStaticCredentials(cfg.Token)
	} else {
		credentials, err = identity.Login(ctx, nil, cfg.APIURL, cfg.Username)
	}
	if err != nil {
		panic(fmt.Sprintf("Failed to create credentials: %v", err))
	}
	log.Info("Signed in as %s", credentials.Identity().Username)

	engine, err := client.NewEngine(client.NewEngineOptions{
		APIURL:            cfg.APIURL,
		ChannelURL:        cfg.ChannelURL,
		Credentials:       credentials,
		CommandTimeout:    cfg.CommandTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		ChatRetention:     cfg.ChatRetention,
		OnInvalidate: func(gameID int64) {
			log.Info("Game %d was replaced by a loaded save", gameID)
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create engine: %v", err))
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Start(ctx)
	}()

	if *joinCode != "" {
		game, err := engine.Gateway().JoinByCode(ctx, *joinCode)
		if err != nil {
			panic(fmt.Sprintf("Failed to join game with code %s: %v", *joinCode, err))
		}
		*gameID = game.ID
		log.Info("Joined game %d", game.ID)
	}

	view, err := engine.OpenGame(ctx, *gameID)
	if err != nil {
		panic(fmt.Sprintf("Failed to open game %d: %v", *gameID, err))
	}

	updates, stopUpdates := engine.Watch(*gameID)
	defer stopUpdates()
	chat, stopChat, err := engine.Reconciler().Subscribe(*gameID, reconciler.BehaviorLogAppend)
	if err != nil {
		panic(fmt.Sprintf("Failed to subscribe to chat: %v", err))
	}
	defer stopChat()
	advisories, stopAdvisories, err := engine.Reconciler().Subscribe(*gameID, reconciler.BehaviorAdvisory)
	switch {
	case errors.Is(err, reconciler.ErrNotPrivileged):
		log.Debug("Not hosting game %d, advisories are not shown", *gameID)
	case err != nil:
		panic(fmt.Sprintf("Failed to subscribe to advisories: %v", err))
	default:
		defer stopAdvisories()
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Game == nil {
				log.Info("Game %d removed from the session store", update.GameID)
				continue
			}
			log.Info("Game %d #%d: phase=%s day=%d players=%d stale=%t", update.GameID, update.Sequence,
				update.Game.Phase, update.Game.DayNumber, len(update.Game.Players), update.Stale)
		case n, ok := <-chat:
			if !ok {
				return
			}
			log.Info("[%s] %s: %s", n.Chat.Kind, n.Chat.Username, n.Chat.Message)
		case n, ok := <-advisories:
			if !ok {
				return
			}
			log.Info("Advisory %s for game %d", n.Event, n.GameID)
		case <-view.Context().Done():
			log.Info("Game %d closed", *gameID)
			return
		case err := <-engineDone:
			if err != nil && ctx.Err() == nil {
				log.Error("Engine stopped: %v", err)
			}
			return
		}
	}
}
