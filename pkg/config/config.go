// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/jid"
)

const (
	envJID                    = "AVATAR_JID"
	envPassword               = "AVATAR_PASSWORD"
	envHost                   = "AVATAR_HOST"
	envPort                   = "AVATAR_PORT"
	envAvatarPrefix           = "AVATAR_PREFIX"
	envXMPPServer             = "AVATAR_XMPP_SERVER"
	envXMPPResource           = "AVATAR_XMPP_RESOURCE"
	envXMPPTLS                = "AVATAR_XMPP_TLS"
	envXMPPStartTLS           = "AVATAR_XMPP_STARTTLS"
	envXMPPInsecure           = "AVATAR_XMPP_INSECURE"
	envXMPPPlainAuth          = "AVATAR_XMPP_PLAIN_AUTH"
	envXMPPDialTimeout        = "AVATAR_XMPP_DIAL_TIMEOUT"
	envXMPPKeepAlive          = "AVATAR_XMPP_KEEPALIVE"
	envXMPPDebug              = "AVATAR_XMPP_DEBUG"
	envFetchTimeout           = "AVATAR_FETCH_TIMEOUT"
	envCacheMaxAge            = "AVATAR_CACHE_MAX_AGE"
	envLogLevel               = "AVATAR_LOG_LEVEL"
	envServerReadTimeout      = "AVATAR_SERVER_READ_TIMEOUT"
	envServerWriteTimeout     = "AVATAR_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout      = "AVATAR_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown       = "AVATAR_GRACEFUL_SHUTDOWN"
	defaultEnvFile            = ".env"
	defaultHost               = "127.0.0.1"
	defaultPort               = 8765
	defaultAvatarPrefix       = "avatar/"
	defaultXMPPResource       = "avatar-proxy"
	defaultXMPPDialTimeout    = 30 * time.Second
	defaultXMPPKeepAlive      = time.Minute
	defaultFetchTimeout       = 10 * time.Second
	defaultCacheMaxAge        = time.Hour
	defaultLogLevel           = "info"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 30 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
)

// Config captures runtime settings for the avatar proxy. It is built once at
// startup and never mutated afterwards.
type Config struct {
	JID                     string
	Password                string
	Host                    string
	Port                    int
	AvatarPrefix            string
	XMPPServer              string
	XMPPResource            string
	XMPPDirectTLS           bool
	XMPPStartTLS            bool
	XMPPInsecureSkipVerify  bool
	XMPPAllowPlainAuth      bool
	XMPPDebug               bool
	XMPPDialTimeout         time.Duration
	XMPPKeepAlive           time.Duration
	FetchTimeout            time.Duration
	CacheMaxAge             time.Duration
	LogLevel                string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// Load builds the configuration from an optional .env file, AVATAR_*
// environment variables and the command-line args (without the program name).
// Flags take precedence over the environment. pflag.ErrHelp is returned as is
// when -h/--help was requested.
func Load(args []string) (Config, error) {
	envFile, explicit := envFileFromArgs(args)
	if err := godotenv.Load(envFile); err != nil {
		// Only the implicit .env is optional.
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Config{
		JID:                     strings.TrimSpace(os.Getenv(envJID)),
		Password:                os.Getenv(envPassword),
		Host:                    getString(envHost, defaultHost),
		Port:                    getInt(envPort, defaultPort),
		AvatarPrefix:            getString(envAvatarPrefix, defaultAvatarPrefix),
		XMPPServer:              strings.TrimSpace(os.Getenv(envXMPPServer)),
		XMPPResource:            getString(envXMPPResource, defaultXMPPResource),
		XMPPDirectTLS:           getBool(envXMPPTLS, false),
		XMPPStartTLS:            getBool(envXMPPStartTLS, true),
		XMPPInsecureSkipVerify:  getBool(envXMPPInsecure, false),
		XMPPAllowPlainAuth:      getBool(envXMPPPlainAuth, false),
		XMPPDebug:               getBool(envXMPPDebug, false),
		XMPPDialTimeout:         getDuration(envXMPPDialTimeout, defaultXMPPDialTimeout),
		XMPPKeepAlive:           getDuration(envXMPPKeepAlive, defaultXMPPKeepAlive),
		FetchTimeout:            getDuration(envFetchTimeout, defaultFetchTimeout),
		CacheMaxAge:             getDuration(envCacheMaxAge, defaultCacheMaxAge),
		LogLevel:                getString(envLogLevel, defaultLogLevel),
		ServerReadTimeout:       getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(envServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
	}

	flagSet := newFlagSet(&cfg)
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if flagSet.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(flagSet.Args(), " "))
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage renders the flag help text.
func Usage() string {
	var cfg Config
	return newFlagSet(&cfg).FlagUsages()
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("xmpp-avatar-proxy", pflag.ContinueOnError)
	flagSet.SortFlags = false

	flagSet.StringVarP(&cfg.JID, "jid", "j", cfg.JID, "JID to use for fetching the vcards ("+envJID+")")
	flagSet.StringVarP(&cfg.Password, "password", "p", cfg.Password, "password linked to the JID ("+envPassword+")")
	flagSet.StringVar(&cfg.Host, "host", cfg.Host, "host on which the HTTP server will listen ("+envHost+")")
	flagSet.IntVar(&cfg.Port, "port", cfg.Port, "port on which the HTTP server will listen ("+envPort+")")
	flagSet.StringVar(&cfg.AvatarPrefix, "avatar_prefix", cfg.AvatarPrefix, "prefix path for the avatar request ("+envAvatarPrefix+")")
	flagSet.StringVar(&cfg.XMPPServer, "xmpp-server", cfg.XMPPServer, "XMPP server host:port, defaults to an SRV lookup of the JID domain ("+envXMPPServer+")")
	flagSet.StringVar(&cfg.XMPPResource, "xmpp-resource", cfg.XMPPResource, "resource to bind the XMPP session to ("+envXMPPResource+")")
	flagSet.BoolVar(&cfg.XMPPDirectTLS, "xmpp-tls", cfg.XMPPDirectTLS, "connect with direct TLS instead of plain TCP ("+envXMPPTLS+")")
	flagSet.BoolVar(&cfg.XMPPStartTLS, "xmpp-starttls", cfg.XMPPStartTLS, "upgrade plain connections with STARTTLS ("+envXMPPStartTLS+")")
	flagSet.BoolVar(&cfg.XMPPInsecureSkipVerify, "xmpp-insecure", cfg.XMPPInsecureSkipVerify, "skip XMPP server certificate verification ("+envXMPPInsecure+")")
	flagSet.BoolVar(&cfg.XMPPAllowPlainAuth, "xmpp-allow-plain-auth", cfg.XMPPAllowPlainAuth, "allow authenticating over an unencrypted stream ("+envXMPPPlainAuth+")")
	flagSet.DurationVar(&cfg.XMPPDialTimeout, "xmpp-dial-timeout", cfg.XMPPDialTimeout, "how long to wait for the XMPP server to accept the connection ("+envXMPPDialTimeout+")")
	flagSet.DurationVar(&cfg.XMPPKeepAlive, "xmpp-keepalive", cfg.XMPPKeepAlive, "interval between XMPP pings on the idle stream, 0 disables ("+envXMPPKeepAlive+")")
	flagSet.BoolVar(&cfg.XMPPDebug, "xmpp-debug", cfg.XMPPDebug, "dump raw XMPP traffic to stderr ("+envXMPPDebug+")")
	flagSet.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "how long to wait for a vCard reply ("+envFetchTimeout+")")
	flagSet.DurationVar(&cfg.CacheMaxAge, "cache-max-age", cfg.CacheMaxAge, "max-age advertised to caching proxies, 0 disables ("+envCacheMaxAge+")")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level ("+envLogLevel+")")
	// Consumed by envFileFromArgs before the environment is read.
	flagSet.String("env-file", defaultEnvFile, "dotenv file to load; only the default may be missing")

	return flagSet
}

// envFileFromArgs scans for --env-file ahead of the full parse, since the file
// feeds the flag defaults. explicit reports whether the flag was given.
func envFileFromArgs(args []string) (path string, explicit bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if value, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return value, true
		}
		if arg == "--env-file" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return defaultEnvFile, false
}

func (c Config) validate() error {
	if c.JID == "" {
		return errors.New("--jid (" + envJID + ") is required")
	}
	account, err := jid.Parse(c.JID)
	if err != nil {
		return fmt.Errorf("invalid --jid: %w", err)
	}
	if account.Local == "" {
		return errors.New("--jid must include a local part (user@domain)")
	}
	if c.Password == "" {
		return errors.New("--password (" + envPassword + ") is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535, got %d", c.Port)
	}
	if c.XMPPServer != "" {
		if _, _, err := net.SplitHostPort(c.XMPPServer); err != nil {
			return fmt.Errorf("invalid --xmpp-server: %w", err)
		}
	}
	if !c.XMPPDirectTLS && !c.XMPPStartTLS && !c.XMPPAllowPlainAuth {
		return errors.New("--xmpp-tls and --xmpp-starttls are both off; pass --xmpp-allow-plain-auth to authenticate in plaintext")
	}
	if c.XMPPDialTimeout <= 0 {
		return errors.New("--xmpp-dial-timeout must be positive")
	}
	if c.XMPPKeepAlive < 0 {
		return errors.New("--xmpp-keepalive must not be negative")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("--fetch-timeout must be positive")
	}
	if c.CacheMaxAge < 0 {
		return errors.New("--cache-max-age must not be negative")
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// XMPPAddr is the host:port given with --xmpp-server. When empty the server
// is located through the SRV records of the account domain.
func (c Config) XMPPAddr() string {
	return c.XMPPServer
}

// Domain is the domain part of the account JID. The XMPP server certificate
// is issued for it whichever host the stream connects to.
func (c Config) Domain() string {
	account, err := jid.Parse(c.JID)
	if err != nil {
		return ""
	}
	return account.Domain
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
