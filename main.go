// Copyright 2026 The mcwhitelist Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echotools/mcwhitelist/server"
	"github.com/echotools/mcwhitelist/server/rcon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownGracePeriod = 10 * time.Second

var (
	version  string = "2.0.0"
	commitID string = "dev"
)

func main() {
	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	config, err := server.ParseArgs(tmpLogger, os.Args[1:])
	if err != nil {
		tmpLogger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	logger, err := server.SetupLogging(config)
	if err != nil {
		tmpLogger.Fatal("Could not set up logging", zap.Error(err))
	}
	startupLogger := logger.With(zap.String("phase", "startup"))
	server.RedirectDiscordLogs(logger)

	if errs := server.CheckConfig(logger, config); len(errs) > 0 {
		for _, err := range errs {
			startupLogger.Error("Invalid config", zap.Error(err))
		}
		startupLogger.Fatal("Config check failed", zap.Int("errors", len(errs)))
	}

	startupLogger.Info("mcwhitelist starting", zap.String("version", version), zap.String("commit", commitID))
	startupLogger.Info("Node", zap.String("name", config.Name))

	ctx, ctxCancelFn := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer ctxCancelFn()

	backend, err := server.NewRegistryBackend(config.Store.DSN)
	if err != nil {
		startupLogger.Fatal("Could not create link registry backend", zap.Error(err))
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	store := server.NewLinkStore(logger, backend)
	links := store.Load(ctx)

	metrics := server.NewMetrics()
	metrics.SetRegistrySize(links)

	policy := config.Policy()
	startupLogger.Info("Links loaded", zap.Int("links", links))
	startupLogger.Info("Role policy", zap.Any("allowed_roles", policy.AllowedRoles), zap.Any("admin_roles", policy.AdminRoles))

	resolver := server.NewMojangResolver(logger, config.Resolver.BaseURL, config.ResolverTimeout(), config.Resolver.RatePerSecond)
	whitelist := server.NewWhitelistController(logger, metrics, server.RCONSessionDialer{
		Dialer: rcon.Dialer{
			Host:     config.RCON.Host,
			Port:     config.RCON.Port,
			Password: config.RCON.Password,
		},
	}, config.RCONTimeout())

	dg, err := server.NewDiscordSession(config.Discord.Token)
	if err != nil {
		startupLogger.Fatal("Could not create Discord session", zap.Error(err))
	}
	bot := server.NewDiscordBot(ctx, logger, dg, config.Discord.GuildID, policy, config.Discord.RegisterCommands)

	reconciler := server.NewReconciler(logger, metrics, store, resolver, whitelist, bot, policy)
	dispatcher := server.NewDispatcher(ctx, logger, reconciler, config.Reconcile.QueueSize, config.ResyncInterval())
	dispatcher.Start()

	if err := bot.Start(dispatcher); err != nil {
		startupLogger.Fatal("Could not start Discord bot", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	var api *server.APIServer
	if config.API.Address != "" {
		api = server.NewAPIServer(logger, config.API.Address, store, dispatcher, metrics)
		g.Go(api.ListenAndServe)
	}

	startupLogger.Info("Startup done")

	<-gctx.Done()
	logger.Info("Shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if api != nil {
		api.Stop(shutdownCtx)
	}
	bot.Stop()
	dispatcher.Stop()

	if err := g.Wait(); err != nil {
		logger.Error("Shutdown with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	_ = logger.Sync()
}
