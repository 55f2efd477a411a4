// Package gateway implements the client-facing socket transport: Engine.IO
// protocol 4 (HTTP long-polling and WebSocket with transparent upgrade) with
// Socket.IO protocol 5 event framing on top, plus the connection handshake,
// inbound event routing, heartbeat, and per-socket back-pressure.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Engine.IO packet type bytes (protocol 4).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO packet type bytes (protocol 5), carried inside Engine.IO message
// frames.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

// recordSeparator joins packets inside one polling payload.
const recordSeparator = 0x1e

// Engine.IO handshake error codes, returned as `{code, message}` JSON bodies
// with HTTP 400.
const (
	errCodeTransportUnknown   = 0
	errCodeSessionUnknown     = 1
	errCodeBadRequest         = 3
	errCodeUnsupportedVersion = 5
)

var eioErrorMessages = map[int]string{
	errCodeTransportUnknown:   "Transport unknown",
	errCodeSessionUnknown:     "Session ID unknown",
	errCodeBadRequest:         "Bad request",
	errCodeUnsupportedVersion: "Unsupported protocol version",
}

// openPayload is the JSON body of the Engine.IO open packet.
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

func encodeOpen(sid string, upgrades []string, pingInterval, pingTimeout time.Duration, maxPayload int64) []byte {
	if upgrades == nil {
		upgrades = []string{}
	}
	body, _ := json.Marshal(openPayload{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  pingTimeout.Milliseconds(),
		MaxPayload:   maxPayload,
	})
	return append([]byte{eioOpen}, body...)
}

// EncodeEvent builds the Socket.IO EVENT frame `42["event",data]` ready to
// write on any transport. data may be nil for payload-less events.
func EncodeEvent(event string, data any) ([]byte, error) {
	args := []any{event}
	if data != nil {
		args = append(args, data)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding %q event: %w", event, err)
	}
	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, eioMessage, sioEvent)
	return append(frame, body...), nil
}

// encodeConnectReply builds the `40{"sid":…}` CONNECT acceptance.
func encodeConnectReply(sid string) []byte {
	body, _ := json.Marshal(map[string]string{"sid": sid})
	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, eioMessage, sioConnect)
	return append(frame, body...)
}

// encodeConnectError builds the `44{"message":…}` CONNECT rejection.
func encodeConnectError(message string) []byte {
	body, _ := json.Marshal(map[string]string{"message": message})
	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, eioMessage, sioConnectError)
	return append(frame, body...)
}

// encodeAck builds the `43<id>[]` reply for an inbound event that asked for
// an acknowledgement.
func encodeAck(ackID string) []byte {
	frame := make([]byte, 0, len(ackID)+4)
	frame = append(frame, eioMessage, sioAck)
	frame = append(frame, ackID...)
	return append(frame, "[]"...)
}

// encodePollPayload joins packets with the record separator for a polling
// response body.
func encodePollPayload(packets [][]byte) []byte {
	if len(packets) == 1 {
		return packets[0]
	}
	return bytes.Join(packets, []byte{recordSeparator})
}

// splitPollPayload splits a polling request body into packets.
func splitPollPayload(body []byte) [][]byte {
	if len(body) == 0 {
		return nil
	}
	return bytes.Split(body, []byte{recordSeparator})
}

// sioPacket is one parsed Socket.IO packet: the bytes after the leading
// Engine.IO message type.
type sioPacket struct {
	kind      byte
	namespace string // empty means the default namespace
	ackID     string
	raw       json.RawMessage
}

var errEmptyPacket = errors.New("empty packet")

func parseSIO(data []byte) (sioPacket, error) {
	if len(data) == 0 {
		return sioPacket{}, errEmptyPacket
	}
	p := sioPacket{kind: data[0]}
	switch p.kind {
	case sioConnect, sioDisconnect, sioEvent, sioAck, sioConnectError:
	default:
		return sioPacket{}, fmt.Errorf("unknown packet type %q", p.kind)
	}

	rest := data[1:]
	if len(rest) > 0 && rest[0] == '/' {
		comma := bytes.IndexByte(rest, ',')
		if comma < 0 {
			p.namespace = string(rest)
			rest = nil
		} else {
			p.namespace = string(rest[:comma])
			rest = rest[comma+1:]
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	p.ackID = string(rest[:i])
	rest = rest[i:]

	if len(rest) > 0 {
		p.raw = json.RawMessage(rest)
	}
	return p, nil
}

// decodeEventArgs splits an EVENT payload array into the event name and its
// first argument.
func decodeEventArgs(raw json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("event payload is not an array: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("event payload is empty")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name is not a string: %w", err)
	}
	var arg json.RawMessage
	if len(parts) > 1 {
		arg = parts[1]
	}
	return name, arg, nil
}
