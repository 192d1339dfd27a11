// Package api implements the API surface of design §4.12: a
// length-prefixed JSON frame protocol over TLS for the unary/streaming
// RPC contract of design §6, plus an HTTP mux (go-chi) serving
// /healthz, /metrics, and a WebSocket upgrade as an alternative framing
// of the same SubscriberHub stream for browser dashboards.
package api

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameType is the "type" discriminator of design §6's wire frame.
type FrameType string

const (
	FrameCall       FrameType = "call"
	FrameResult     FrameType = "result"
	FrameError      FrameType = "error"
	FrameSubscribe  FrameType = "subscribe"
	FrameSubscribed FrameType = "subscribed"
	FrameEvent      FrameType = "event"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing       FrameType = "ping"
	FramePong       FrameType = "pong"
)

// maxFrameBytes bounds a single frame's payload to defend against a
// misbehaving or malicious peer driving unbounded allocation via the
// length prefix.
const maxFrameBytes = 4 << 20 // 4 MiB

// Frame is the wire envelope of design §6:
//
//	{ "v": 1, "id": "<uuid>", "type": "<method | event>", "payload": { ... } }
//
// Method is only populated on a "call" frame and names the RPC method
// being invoked (SubmitAlert, GetIncident, CancelIncident, ...).
// Unknown fields in Payload are preserved by virtue of Payload being
// raw JSON, not a fixed struct — forward-compatibility per design §6's
// "unknown fields in payloads are preserved".
type Frame struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Type    FrameType       `json:"type"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// writeFrame marshals f and writes it to w as a 4-byte big-endian
// length prefix followed by the JSON body.
func writeFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("api: outgoing frame of %d bytes exceeds %d byte limit", len(body), maxFrameBytes)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame from r. Frames with an
// unrecognized Type are still parsed and returned — per design §6,
// "frames with unknown type are ignored" is enforced by the caller's
// dispatch switch, not by readFrame itself.
func readFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("api: incoming frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func resultFrame(id string, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{V: 1, ID: id, Type: FrameResult, Payload: raw}, nil
}

func errorFrame(id string, code int, message string) Frame {
	raw, _ := json.Marshal(map[string]interface{}{"code": code, "message": message})
	return Frame{V: 1, ID: id, Type: FrameError, Payload: raw}
}

func eventFrame(id string, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{V: 1, ID: id, Type: FrameEvent, Payload: raw}, nil
}
