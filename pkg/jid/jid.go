// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package jid parses the XMPP addresses that arrive in avatar request paths.
package jid

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxPartLen is the per-part byte limit from RFC 7622.
const maxPartLen = 1023

// ErrInvalid is wrapped by every error returned from Parse.
var ErrInvalid = errors.New("invalid jid")

// JID is a parsed XMPP address.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// Parse splits s into local, domain and resource parts and validates each.
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if !utf8.ValidString(s) {
		return JID{}, fmt.Errorf("%w: not valid utf-8", ErrInvalid)
	}

	var j JID
	rest := s
	// The resource may itself contain '@' and '/', so split it off first.
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		j.Resource = rest[idx+1:]
		rest = rest[:idx]
		if j.Resource == "" {
			return JID{}, fmt.Errorf("%w: empty resource", ErrInvalid)
		}
	}
	if idx := strings.IndexByte(rest, '@'); idx >= 0 {
		j.Local = rest[:idx]
		rest = rest[idx+1:]
		if j.Local == "" {
			return JID{}, fmt.Errorf("%w: empty local part", ErrInvalid)
		}
	}
	j.Domain = strings.ToLower(strings.TrimSuffix(rest, "."))

	if err := j.validate(); err != nil {
		return JID{}, err
	}
	return j, nil
}

func (j JID) validate() error {
	if j.Domain == "" {
		return fmt.Errorf("%w: missing domain", ErrInvalid)
	}
	for name, part := range map[string]string{"local": j.Local, "domain": j.Domain, "resource": j.Resource} {
		if len(part) > maxPartLen {
			return fmt.Errorf("%w: %s part exceeds %d bytes", ErrInvalid, name, maxPartLen)
		}
	}
	if strings.ContainsAny(j.Local, `"&'/:<>@`) {
		return fmt.Errorf("%w: forbidden character in local part", ErrInvalid)
	}
	if strings.ContainsAny(j.Domain, `@/"&'<>`) {
		return fmt.Errorf("%w: forbidden character in domain", ErrInvalid)
	}
	if hasSpaceOrControl(j.Local) || hasSpaceOrControl(j.Domain) {
		return fmt.Errorf("%w: whitespace or control character", ErrInvalid)
	}
	if strings.IndexFunc(j.Resource, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: control character in resource", ErrInvalid)
	}
	return nil
}

func hasSpaceOrControl(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0
}

// Bare returns the address without its resource.
func (j JID) Bare() string {
	if j.Local == "" {
		return j.Domain
	}
	return j.Local + "@" + j.Domain
}

// String renders the full address.
func (j JID) String() string {
	if j.Resource == "" {
		return j.Bare()
	}
	return j.Bare() + "/" + j.Resource
}
