// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/avatar"
	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/config"
	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/xmpp"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stdout, "Usage of %s:\n%s", os.Args[0], config.Usage())
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	session, err := xmpp.Dial(cfg, log.With().Str("component", "xmpp").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to establish xmpp session")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      avatar.New(cfg, session),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr()).
			Str("avatar_prefix", avatar.RoutePrefix(cfg.AvatarPrefix)+"/").
			Msg("starting XMPP avatar proxy")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("avatar server exited unexpectedly")
		}
	}()

	if err := waitForShutdown(context.Background(), server, session, cfg.GracefulShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("xmpp session lost; exiting")
		os.Exit(1)
	}
}

// waitForShutdown blocks until a signal arrives or the XMPP session drops,
// then drains the HTTP server. It returns the session error in the latter case.
func waitForShutdown(ctx context.Context, srv *http.Server, session *xmpp.Session, timeout time.Duration) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var cause error
	select {
	case <-stop:
		log.Info().Msg("shutting down XMPP avatar proxy")
	case <-session.Done():
		cause = session.Err()
		if cause == nil {
			cause = xmpp.ErrSessionClosed
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	if err := session.Close(); err != nil {
		log.Warn().Err(err).Msg("closing xmpp session failed")
	}

	log.Info().Msg("proxy stopped")
	return cause
}
