// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package avatar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/config"
	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/jid"
	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/vcard"
	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/xmpp"
)

// Fetcher retrieves the avatar stored in a JID's vCard. *xmpp.Session
// implements it.
type Fetcher interface {
	FetchAvatar(ctx context.Context, address jid.JID) (vcard.Avatar, error)
}

// Handler answers avatar requests from a Fetcher.
type Handler struct {
	// fetcher performs the vCard round trip.
	fetcher Fetcher
	// cacheMaxAge is advertised to downstream caches; zero omits the header.
	cacheMaxAge time.Duration
	// logger emits structured logs for observability.
	logger zerolog.Logger
}

// New constructs the HTTP router serving GET /<avatar_prefix>/<jid>.
func New(cfg config.Config, fetcher Fetcher) http.Handler {
	h := &Handler{
		fetcher:     fetcher,
		cacheMaxAge: cfg.CacheMaxAge,
		logger:      log.With().Str("component", "avatar").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	base := RoutePrefix(cfg.AvatarPrefix)
	r.Get(base+"/*", h.ServeAvatar)
	if base != "" {
		// The bare prefix has no JID at all; answer it like an empty one.
		r.Get(base, h.ServeAvatar)
	}

	return r
}

// RoutePrefix normalizes a configured prefix such as "avatar/" into the
// "/avatar" form used for routing. An empty prefix serves from the root.
func RoutePrefix(prefix string) string {
	trimmed := strings.Trim(strings.TrimSpace(prefix), "/")
	if trimmed == "" {
		return ""
	}
	return "/" + trimmed
}

// ServeAvatar resolves the JID from the path and writes its avatar.
func (h *Handler) ServeAvatar(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := zerolog.Ctx(r.Context())

	raw, err := jidFromRequest(r)
	if err != nil || raw == "" {
		http.Error(w, "missing or malformed jid", http.StatusBadRequest)
		event.Debug().Err(err).Msg("rejecting request without jid")
		return
	}

	address, err := jid.Parse(raw)
	if err != nil {
		http.Error(w, "malformed jid", http.StatusBadRequest)
		event.Debug().Err(err).Str("jid", raw).Msg("rejecting malformed jid")
		return
	}

	avatar, err := h.fetcher.FetchAvatar(r.Context(), address)
	if err != nil {
		h.writeError(w, r, address, err)
		return
	}

	etag := entityTag(avatar.Data)
	w.Header().Set("ETag", etag)
	if h.cacheMaxAge > 0 {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheMaxAge.Seconds())))
	}
	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", avatar.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(avatar.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(avatar.Data); err != nil {
		event.Error().Err(err).Msg("write avatar failed")
		return
	}

	event.Debug().
		Str("jid", address.Bare()).
		Str("content_type", avatar.ContentType).
		Int("bytes", len(avatar.Data)).
		Dur("fetch_duration", time.Since(start)).
		Msg("avatar served")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, address jid.JID, err error) {
	event := zerolog.Ctx(r.Context())
	herr := classify(err)

	if herr.Status == http.StatusNotFound {
		w.Header().Set("Content-Type", vcard.PlaceholderContentType)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusNotFound)
		if _, werr := w.Write([]byte(vcard.Placeholder)); werr != nil {
			event.Error().Err(werr).Msg("write placeholder failed")
		}
		event.Debug().Err(err).Str("jid", address.Bare()).Msg("no avatar for jid")
		return
	}

	http.Error(w, http.StatusText(herr.Status), herr.Status)
	event.Warn().Err(herr).Str("jid", address.Bare()).Msg("failed to fetch vcard")
}

// classify maps a fetch error to the status written downstream.
func classify(err error) *httpError {
	switch {
	case errors.Is(err, vcard.ErrNoAvatar):
		return &httpError{Status: http.StatusNotFound, Err: err}
	case errors.Is(err, xmpp.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &httpError{Status: http.StatusGatewayTimeout, Err: err}
	default:
		// Session loss and stanza errors other than not-found.
		return &httpError{Status: http.StatusBadGateway, Err: err}
	}
}

// jidFromRequest returns the path remainder after the prefix, unescaped when
// the router matched on the raw path.
func jidFromRequest(r *http.Request) (string, error) {
	value := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return value, nil
	}
	unescaped, err := url.PathUnescape(value)
	if err != nil {
		return "", fmt.Errorf("unescape jid: %w", err)
	}
	return unescaped, nil
}

// entityTag derives a strong validator from the image bytes.
func entityTag(data []byte) string {
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// httpError wraps a status code with the underlying error from the vCard round trip.
type httpError struct {
	Status int   // Status preserves the HTTP status to emit downstream.
	Err    error // Err retains the original cause for logging.
}

// Error implements the error interface for httpError.
func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *httpError) Unwrap() error {
	return e.Err
}
