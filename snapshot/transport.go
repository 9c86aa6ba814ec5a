package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType tags a framed message on the wire. Generalized from
// migration/transport.go's Sender/Receiver, which only ever spoke to a
// TCP net.Conn; this version talks to any io.ReadWriter so the core
// snapshot package never imports net. An embedder wanting live
// migration over TCP just passes the net.Conn straight in.
type MsgType uint8

const (
	MsgSnapshot MsgType = iota + 1
	MsgReady
	MsgDone
)

func (t MsgType) String() string {
	switch t {
	case MsgSnapshot:
		return "SNAPSHOT"
	case MsgReady:
		return "READY"
	case MsgDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// frameHeaderSize is [1-byte type][8-byte big-endian length].
const frameHeaderSize = 1 + 8

// Sender writes framed messages to an io.Writer.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = byte(t)
	binary.BigEndian.PutUint64(hdr[1:], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("snapshot: send %s frame header: %w", t, err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("snapshot: send %s frame payload: %w", t, err)
		}
	}

	return nil
}

// SendSnapshot serializes snap and frames it as a MsgSnapshot message.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer
	if err := Serialize(&buf, snap); err != nil {
		return fmt.Errorf("snapshot: serialize for send: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendReady and SendDone are the live-migration handshake bookends:
// the receiving side signals it has a destination Vm ready to accept
// state, the sending side signals the stream is complete.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }
func (s *Sender) SendDone() error  { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an io.Reader.
type Receiver struct {
	r io.Reader
}

func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next frame's type and raw payload. Callers dispatch
// on the returned MsgType; MsgSnapshot payloads go to DecodeSnapshot.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("snapshot: read frame header: %w", err)
	}

	t := MsgType(hdr[0])
	length := binary.BigEndian.Uint64(hdr[1:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return 0, nil, fmt.Errorf("snapshot: read %s frame payload: %w", t, err)
		}
	}

	return t, payload, nil
}

// DecodeSnapshot deserializes a MsgSnapshot frame's payload.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	return Deserialize(bytes.NewReader(payload))
}
