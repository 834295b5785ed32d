// Package stream turns raw push-transport frames into event records and
// provides the websocket subscription that produces those frames.
package stream

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
)

// ErrMalformedFrame marks a frame that is neither a valid compressed stream
// nor valid JSON text. Consumers log and drop these; they are never fatal.
var ErrMalformedFrame = errors.New("malformed push frame")

// Event is an untyped key/value record decoded from a push frame. The
// reconciler interprets its Type discriminator.
type Event map[string]any

// Type returns the event discriminator ("e" field), empty if absent.
func (e Event) Type() string {
	s, _ := e["e"].(string)
	return s
}

func (e Event) Str(key string) string {
	switch v := e[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (e Event) Int(key string) int64 {
	switch v := e[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func (e Event) Dec(key string) decimal.Decimal {
	switch v := e[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

// List returns a nested array of objects, e.g. the balance entries of an
// account position event.
func (e Event) List(key string) []Event {
	raw, _ := e[key].([]any)
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Event(m))
		}
	}
	return out
}

// Decode parses a raw frame. Gzip decompression is attempted first; on
// failure the frame is treated as UTF-8 JSON text. Failing both yields an
// error wrapping ErrMalformedFrame.
func Decode(frame []byte) (Event, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if ev, err := decodeGzip(frame); err == nil {
		return ev, nil
	}
	return decodeJSON(frame)
}

func decodeGzip(frame []byte) (Event, error) {
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}
