// Package marker implements the comment-marker wire format used by the
// rendering backend to annotate page structure inside server-rendered HTML.
//
// A marker is an HTML comment whose body is a JSON object carrying a "type"
// discriminator:
//
//	<!-- {"type":"CONTAINER","id":"c1","label":"Main"} -->
//	  ...
//	<!-- {"type":"CONTAINER","id":"c1","end":true} -->
//
// Containers and components are delimited by a start and an end marker.
// Every other kind is a single marker. The format is shared with the
// backend and must not change.
package marker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the marker discriminator.
type Kind string

const (
	KindContainer              Kind = "CONTAINER"
	KindComponent              Kind = "COMPONENT"
	KindPage                   Kind = "PAGE"
	KindContentLink            Kind = "CONTENT_LINK"
	KindMenuLink               Kind = "EDIT_MENU_LINK"
	KindUnprocessedHeadContrib Kind = "UNPROCESSED_HEAD_CONTRIBUTIONS"
	KindProcessedHeadContrib   Kind = "PROCESSED_HEAD_CONTRIBUTIONS"
)

// Known reports whether k is one of the enumerated kinds.
func (k Kind) Known() bool {
	switch k {
	case KindContainer, KindComponent, KindPage, KindContentLink, KindMenuLink,
		KindUnprocessedHeadContrib, KindProcessedHeadContrib:
		return true
	}
	return false
}

// Paired reports whether markers of this kind come as start/end pairs.
func (k Kind) Paired() bool {
	return k == KindContainer || k == KindComponent
}

// HeadContribution reports whether k lists head elements.
func (k Kind) HeadContribution() bool {
	return k == KindUnprocessedHeadContrib || k == KindProcessedHeadContrib
}

// Opaque holds a server value the client never interprets (lastModified).
// It accepts both JSON strings and numbers and re-encodes as given.
type Opaque string

func (o *Opaque) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = Opaque(s)
		return nil
	}
	*o = Opaque(data)
	return nil
}

func (o Opaque) MarshalJSON() ([]byte, error) {
	if o == "" {
		return []byte(`""`), nil
	}
	if isNumber(string(o)) {
		return []byte(o), nil
	}
	return json.Marshal(string(o))
}

// isNumber reports whether s is a JSON number literal.
func isNumber(s string) bool {
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return false
	}
	return json.Valid([]byte(s))
}

// Meta is a decoded marker payload.
type Meta struct {
	Type         Kind     `json:"type"`
	ID           string   `json:"id,omitempty"`
	End          bool     `json:"end,omitempty"`
	Label        string   `json:"label,omitempty"`
	LastModified Opaque   `json:"lastModified,omitempty"`
	XType        string   `json:"xtype,omitempty"`
	Locked       bool     `json:"locked,omitempty"`
	LockedBy     string   `json:"lockedBy,omitempty"`
	Inherited    bool     `json:"inherited,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
	UUID         string   `json:"uuid,omitempty"`
	MenuID       string   `json:"menuId,omitempty"`
	HeadElements []string `json:"headElements,omitempty"`

	// Attrs keeps every key not listed above, verbatim.
	Attrs map[string]json.RawMessage `json:"-"`
}

var knownKeys = map[string]bool{
	"type": true, "id": true, "end": true, "label": true, "lastModified": true,
	"xtype": true, "locked": true, "lockedBy": true, "inherited": true,
	"disabled": true, "uuid": true, "menuId": true, "headElements": true,
	legacyEndKey: true,
}

const legacyEndKey = "HST-End"

// ErrNotMarker is returned by Decode for comments that are not markers.
var ErrNotMarker = errors.New("marker: not a marker comment")

// ParseError reports a marker payload that could not be decoded.
type ParseError struct {
	Body string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("marker: malformed payload %q: %v", truncate(e.Body, 80), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownTypeError reports a well-formed payload with an unsupported type.
type UnknownTypeError struct {
	Type Kind
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("marker: unknown type %q", string(e.Type))
}

// Decode parses a comment body. Comments that are not JSON objects, or that
// carry no "type", return ErrNotMarker.
func Decode(body string) (Meta, error) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return Meta{}, ErrNotMarker
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Meta{}, &ParseError{Body: body, Err: err}
	}
	if _, ok := raw["type"]; !ok {
		return Meta{}, ErrNotMarker
	}

	var m Meta
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Meta{}, &ParseError{Body: body, Err: err}
	}
	if m.Type == "" {
		return Meta{}, &ParseError{Body: body, Err: errors.New("empty type")}
	}

	if v, ok := raw[legacyEndKey]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s == "true" {
			m.End = true
		}
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if m.Attrs == nil {
			m.Attrs = make(map[string]json.RawMessage)
		}
		m.Attrs[k] = v
	}

	if !m.Type.Known() {
		return m, &UnknownTypeError{Type: m.Type}
	}
	return m, nil
}

// Attr returns an unrecognised attribute decoded as a string. Non-string
// values are returned in their JSON form.
func (m Meta) Attr(key string) string {
	v, ok := m.Attrs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// EndMeta returns the end marker matching a paired start marker.
func (m Meta) EndMeta() Meta {
	return Meta{Type: m.Type, ID: m.ID, End: true}
}

// Encode renders m as a comment body (without the <!-- --> delimiters).
func Encode(m Meta) (string, error) {
	out := make(map[string]json.RawMessage, len(m.Attrs)+8)
	for k, v := range m.Attrs {
		out[k] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marker: encode: %w", err)
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return "", fmt.Errorf("marker: encode: %w", err)
	}
	for k, v := range known {
		out[k] = v
	}
	body, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marker: encode attrs: %w", err)
	}
	return " " + string(body) + " ", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
