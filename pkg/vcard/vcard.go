// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package vcard encodes vcard-temp (XEP-0054) requests and decodes the avatar
// and error payloads carried by their replies.
package vcard

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// Namespace is the vcard-temp XML namespace.
	Namespace = "vcard-temp"
	// StanzaNamespace qualifies the defined conditions of a stanza error.
	StanzaNamespace = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// ErrNoAvatar reports a vCard that carries no usable photo.
var ErrNoAvatar = errors.New("vcard has no avatar")

// Placeholder is served alongside 404 responses so <img> tags still render.
const Placeholder = `<svg xmlns="http://www.w3.org/2000/svg" version="1.1">
<rect width="150" height="150" fill="rgb(125, 125, 125)" stroke-width="1" stroke="rgb(0, 0, 0)"/>
<text x="75" y="100" text-anchor="middle" font-size="100">?</text>
</svg>`

// PlaceholderContentType is the media type of Placeholder.
const PlaceholderContentType = "image/svg+xml"

// Avatar is the decoded PHOTO of a vCard.
type Avatar struct {
	Data        []byte
	ContentType string
}

type photo struct {
	Type   string `xml:"TYPE"`
	BinVal string `xml:"BINVAL"`
}

type card struct {
	Photo *photo `xml:"PHOTO"`
}

// Request renders the IQ get that asks to for its vCard.
func Request(id, to string) string {
	return fmt.Sprintf("<iq type='get' id='%s' to='%s'><vCard xmlns='%s'/></iq>",
		escape(id), escape(to), Namespace)
}

// ParseResult decodes the inner XML of an IQ result into an Avatar. Anything
// short of a PHOTO with decodable BINVAL yields ErrNoAvatar.
func ParseResult(payload []byte) (Avatar, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return Avatar{}, ErrNoAvatar
		}
		if err != nil {
			return Avatar{}, fmt.Errorf("decode vcard: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "vCard" {
			continue
		}

		var c card
		if err := dec.DecodeElement(&c, &start); err != nil {
			return Avatar{}, fmt.Errorf("decode vcard: %w", err)
		}
		return c.avatar()
	}
}

func (c card) avatar() (Avatar, error) {
	if c.Photo == nil {
		return Avatar{}, ErrNoAvatar
	}
	raw := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, c.Photo.BinVal)
	if raw == "" {
		return Avatar{}, ErrNoAvatar
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Avatar{}, fmt.Errorf("%w: binval: %v", ErrNoAvatar, err)
	}
	if len(data) == 0 {
		return Avatar{}, ErrNoAvatar
	}

	contentType := strings.TrimSpace(c.Photo.Type)
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		contentType = mimetype.Detect(data).String()
	}

	return Avatar{Data: data, ContentType: contentType}, nil
}

func escape(s string) string {
	var buf strings.Builder
	// EscapeText only fails on writer errors; strings.Builder never returns one.
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
