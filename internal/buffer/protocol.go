package buffer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/moltty/termcast/internal/history"
)

// ProtocolVersion is announced to clients in the connected message.
const ProtocolVersion = 1

// FrameMarker is the first byte of every binary message.
const FrameMarker = 0xBF

const frameHeaderSize = 1 + 4

// Control message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeResync      = "resync"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeConnected   = "connected"
	TypeSubscribed  = "subscribed"
	TypeHistory     = "history"
	TypeError       = "error"
)

var (
	ErrBadFrame       = errors.New("buffer: malformed frame")
	ErrUnknownMessage = errors.New("buffer: unknown message type")
	ErrMissingSession = errors.New("buffer: message has no sessionId")
)

// ClientMessage is sent from a viewer (or a downstream aggregator) to the server.
type ClientMessage struct {
	Type      string `json:"type"`                // subscribe, unsubscribe, resync, ping
	SessionID string `json:"sessionId,omitempty"` // target session
}

// ServerMessage is sent from the server to a viewer.
type ServerMessage struct {
	Type      string           `json:"type"`                // connected, subscribed, history, pong, error
	SessionID string           `json:"sessionId,omitempty"` // subscribed, history
	Version   int              `json:"version,omitempty"`   // connected
	Duplicate bool             `json:"duplicate,omitempty"` // subscribed
	Timestamp int64            `json:"timestamp,omitempty"` // pong, unix millis
	Message   string           `json:"message,omitempty"`   // error
	Payload   *history.Payload `json:"payload,omitempty"`   // history
}

// parseClientMessage decodes a text message and rejects anything the
// aggregator cannot act on.
func parseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case TypePing:
		return msg, nil
	case TypeSubscribe, TypeUnsubscribe, TypeResync:
		if msg.SessionID == "" {
			return msg, ErrMissingSession
		}
		return msg, nil
	}
	return msg, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

// EncodeFrame wraps an encoded snapshot for the wire:
// [0xBF][uint32 LE len(sessionID)][sessionID][frame].
func EncodeFrame(sessionID string, frame []byte) []byte {
	buf := make([]byte, 0, frameHeaderSize+len(sessionID)+len(frame))
	buf = append(buf, FrameMarker)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sessionID)))
	buf = append(buf, sessionID...)
	return append(buf, frame...)
}

// DecodeFrame splits a binary message into its session id and snapshot
// frame. The frame aliases msg.
func DecodeFrame(msg []byte) (string, []byte, error) {
	if len(msg) < frameHeaderSize || msg[0] != FrameMarker {
		return "", nil, ErrBadFrame
	}
	n := binary.LittleEndian.Uint32(msg[1:frameHeaderSize])
	if uint64(n) > uint64(len(msg)-frameHeaderSize) {
		return "", nil, ErrBadFrame
	}
	end := frameHeaderSize + int(n)
	return string(msg[frameHeaderSize:end]), msg[end:], nil
}

// historyMessage renders the chunk message for a session.
func historyMessage(sessionID string, p *history.Payload) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: TypeHistory, SessionID: sessionID, Payload: p})
}

// peek reads the routing fields of a server text message without decoding
// the payload.
func peek(data []byte) (typ, sessionID string) {
	r := gjson.GetManyBytes(data, "type", "sessionId")
	return r[0].String(), r[1].String()
}
