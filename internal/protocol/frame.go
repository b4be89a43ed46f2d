package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Messages travel as length-prefixed JSON frames:
//
//	frame_len: 4 bytes big-endian, then frame_len bytes of JSON envelope.
//
// MaxFrameSize guards the reader against a corrupt or hostile length prefix.
const MaxFrameSize = 4 << 20 // 4 MiB

// WriteMessage serializes the envelope and writes one frame.
func WriteMessage(w io.Writer, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("message too large: %d bytes", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("write frame_len: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame and decodes the envelope. It uses io.ReadFull
// for the body so short reads cannot split a frame.
func ReadMessage(r io.Reader) (Message, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return Message{}, fmt.Errorf("read frame_len: %w", err)
	}
	if n == 0 || n > MaxFrameSize {
		return Message{}, fmt.Errorf("bad frame length: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return Message{}, fmt.Errorf("read frame: %w", err)
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return m, nil
}
