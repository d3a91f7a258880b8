// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package xmpp

import (
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"
	goxmpp "github.com/xmppo/go-xmpp"

	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/config"
)

// Dial authenticates the configured account and returns a running Session
// with keepalive pings towards the account's server.
func Dial(cfg config.Config, logger zerolog.Logger) (*Session, error) {
	options := clientOptions(cfg)

	server := options.Host
	if server == "" {
		server = "srv:" + cfg.Domain()
	}
	logger.Info().
		Str("server", server).
		Str("jid", cfg.JID).
		Bool("direct_tls", cfg.XMPPDirectTLS).
		Bool("starttls", cfg.XMPPStartTLS).
		Dur("dial_timeout", cfg.XMPPDialTimeout).
		Msg("connecting to xmpp server")

	client, err := options.NewClient()
	if err != nil {
		return nil, fmt.Errorf("connect %s as %s: %w", server, cfg.JID, err)
	}

	logger.Info().Str("bound_jid", client.JID()).Msg("xmpp session established")

	session := NewSession(client, cfg.FetchTimeout, logger)
	session.KeepAlive(cfg.XMPPKeepAlive, cfg.Domain())
	return session, nil
}

// clientOptions maps the configuration onto go-xmpp. An empty Host makes
// go-xmpp resolve the _xmpp-client._tcp SRV records of the account domain.
func clientOptions(cfg config.Config) goxmpp.Options {
	return goxmpp.Options{
		Host:                         cfg.XMPPAddr(),
		User:                         cfg.JID,
		Password:                     cfg.Password,
		Resource:                     cfg.XMPPResource,
		NoTLS:                        !cfg.XMPPDirectTLS,
		StartTLS:                     cfg.XMPPStartTLS,
		InsecureAllowUnencryptedAuth: cfg.XMPPAllowPlainAuth,
		DialTimeout:                  cfg.XMPPDialTimeout,
		TLSConfig: &tls.Config{
			// Certificates name the service domain, not the host serving it.
			ServerName:         cfg.Domain(),
			InsecureSkipVerify: cfg.XMPPInsecureSkipVerify, // nolint:gosec -- opt-in for development servers
		},
		Debug:   cfg.XMPPDebug,
		Session: true,
	}
}
