// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package vcard

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
)

// notFoundConditions are the stanza errors a server returns when the vCard of
// the addressed JID does not exist or may not be read.
var notFoundConditions = map[string]struct{}{
	"item-not-found":          {},
	"service-unavailable":     {},
	"recipient-unavailable":   {},
	"remote-server-not-found": {},
	"forbidden":               {},
	"not-allowed":             {},
	"not-authorized":          {},
	"registration-required":   {},
	"subscription-required":   {},
}

// StanzaError is the <error/> element of an IQ of type "error".
type StanzaError struct {
	Type      string // Type is the error type attribute, e.g. "cancel".
	Condition string // Condition is the defined condition element name.
	Text      string // Text is the optional human readable description.
}

// Error implements the error interface for StanzaError.
func (e *StanzaError) Error() string {
	msg := "stanza error"
	if e.Condition != "" {
		msg += ": " + e.Condition
	}
	if e.Text != "" {
		msg += " (" + e.Text + ")"
	}
	return msg
}

// NotFound reports whether the condition means there is no vCard to serve.
func (e *StanzaError) NotFound() bool {
	_, ok := notFoundConditions[e.Condition]
	return ok
}

// Is lets errors.Is(err, ErrNoAvatar) match not-found stanza errors.
func (e *StanzaError) Is(target error) bool {
	return target == ErrNoAvatar && e.NotFound()
}

// ParseError extracts the stanza error from the inner XML of a failed IQ. A
// payload without an <error/> element yields a StanzaError with an empty
// condition.
func ParseError(payload []byte) *StanzaError {
	out := &StanzaError{}
	dec := xml.NewDecoder(bytes.NewReader(payload))
	depth := 0
	inError := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if !errors.Is(err, io.EOF) && out.Condition == "" {
				out.Text = err.Error()
			}
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if !inError && t.Name.Local == "error" {
				inError = true
				for _, attr := range t.Attr {
					if attr.Name.Local == "type" {
						out.Type = attr.Value
					}
				}
				depth = 0
				continue
			}
			if !inError || depth != 1 || t.Name.Space != StanzaNamespace {
				continue
			}
			if t.Name.Local == "text" {
				var text string
				if err := dec.DecodeElement(&text, &t); err == nil {
					out.Text = text
				}
				depth--
				continue
			}
			if out.Condition == "" {
				out.Condition = t.Name.Local
			}
		case xml.EndElement:
			if inError && depth == 0 && t.Name.Local == "error" {
				return out
			}
			depth--
		}
	}
}
