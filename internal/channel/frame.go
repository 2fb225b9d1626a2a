// Package channel implements the TLS agent channel: length-prefixed JSON
// framing and the session protocol that pushes rule updates to agents and
// applies their collected rows.
package channel

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single frame at 16 MiB. A data payload is bounded by
// what an agent collects in one cycle; anything larger indicates a broken
// or hostile peer.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a frame whose declared length exceeds
// MaxFrameSize. The stream cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Wire message types.
const (
	TypeData = "data" // agent -> server: {rule_name -> rows}
	TypeUpd  = "upd"  // server -> agent: {rule_name -> sql}
	TypeAck  = "ack"  // server -> agent: payload accepted
	TypeErr  = "err"  // server -> agent: human-readable error string
)

// Message is one wire message. On the wire it is a 4-byte big-endian
// unsigned length prefix followed by that many bytes of compact JSON.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage builds a Message with payload marshalled into the data field.
func NewMessage(typ string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{Type: typ, Data: raw}, nil
}

// WriteFrame writes one length-prefixed message. Prefix and body go out in
// a single Write so concurrent writers on distinct messages cannot
// interleave partial frames.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its raw payload. A clean EOF on
// the length prefix is returned as io.EOF; an EOF inside a frame becomes
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// ParseMessage decodes a frame payload. Kept separate from ReadFrame so a
// malformed payload leaves the stream synchronized and the session can
// reply with an error instead of dropping the connection.
func ParseMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
