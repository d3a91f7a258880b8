// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package xmpp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/config"
)

func baseConfig() config.Config {
	return config.Config{
		JID:             "proxy@example.com",
		Password:        "secret",
		XMPPResource:    "avatar-proxy",
		XMPPStartTLS:    true,
		XMPPDialTimeout: 7 * time.Second,
		XMPPKeepAlive:   time.Minute,
		FetchTimeout:    10 * time.Second,
	}
}

func TestClientOptionsDefaultUsesSRVLookup(t *testing.T) {
	options := clientOptions(baseConfig())

	assert.Empty(t, options.Host, "an empty host lets go-xmpp resolve SRV records")
	assert.Equal(t, "proxy@example.com", options.User)
	assert.True(t, options.NoTLS)
	assert.True(t, options.StartTLS)
	assert.False(t, options.InsecureAllowUnencryptedAuth)
	assert.Equal(t, 7*time.Second, options.DialTimeout)
	require.NotNil(t, options.TLSConfig)
	assert.Equal(t, "example.com", options.TLSConfig.ServerName)
}

func TestClientOptionsServerOverrideKeepsDomainForTLS(t *testing.T) {
	cfg := baseConfig()
	cfg.XMPPServer = "xmpp.example.com:5222"
	cfg.XMPPDirectTLS = true

	options := clientOptions(cfg)

	assert.Equal(t, "xmpp.example.com:5222", options.Host)
	assert.False(t, options.NoTLS)
	assert.Equal(t, "example.com", options.TLSConfig.ServerName)
}

func TestClientOptionsPlaintextOptIn(t *testing.T) {
	cfg := baseConfig()
	cfg.XMPPStartTLS = false
	cfg.XMPPAllowPlainAuth = true

	options := clientOptions(cfg)

	assert.True(t, options.NoTLS)
	assert.False(t, options.StartTLS)
	assert.True(t, options.InsecureAllowUnencryptedAuth)
}
