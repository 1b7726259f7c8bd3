package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	logs "github.com/danmuck/smplog"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxFrameSize caps a single length-prefixed frame on a stream, and so
	// the payload of one trial on the stream mesh.
	MaxFrameSize = 1 << 20
	// MaxDatagramSize is the largest UDP payload that fits an IPv4 datagram.
	MaxDatagramSize = 65507

	headerSize = 4
)

// envelope field numbers
const (
	fieldTrial     protowire.Number = 1
	fieldConfirmed protowire.Number = 2
	fieldSender    protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldReplay    protowire.Number = 5
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrBadEnvelope   = errors.New("malformed envelope")
)

// Trial numbers one round of the task. Trials only ever increase.
type Trial int64

// Envelope is the unit placed on the wire for one trial.
// Confirmed is only meaningful on the datagram transport, where it reports
// that the sender holds a payload from every participant for Trial. Replay
// marks a copy resent from the sender's message log; replays are never
// answered with another replay.
type Envelope struct {
	Trial     Trial
	Confirmed bool
	Sender    string
	Payload   []byte
	Replay    bool
}

// Marshal encodes the envelope in protobuf wire format.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Sender)+len(e.Payload))
	b = protowire.AppendTag(b, fieldTrial, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Trial))
	if e.Confirmed {
		b = protowire.AppendTag(b, fieldConfirmed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, e.Sender)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	if e.Replay {
		b = protowire.AppendTag(b, fieldReplay, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTrial && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: trial: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			env.Trial = Trial(v)
			b = b[n:]
		case num == fieldConfirmed && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: confirmed: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			env.Confirmed = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: sender: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			env.Sender = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			env.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldReplay && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: replay: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			env.Replay = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadEnvelope, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if env.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrBadEnvelope)
	}
	return env, nil
}

// Coder frames envelopes on a byte stream.
type Coder interface {
	Encode(w io.Writer, env *Envelope) error
	Decode(r io.Reader) (*Envelope, error)
}

// DefaultCoder writes a 4-byte big-endian length followed by the envelope.
type DefaultCoder struct{}

func (c DefaultCoder) Encode(w io.Writer, env *Envelope) error {
	return WriteFrame(w, env.Marshal())
}

func (c DefaultCoder) Decode(r io.Reader) (*Envelope, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalEnvelope(frame)
}

// WriteFrame writes the length prefix and body in a single write.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	out := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[headerSize:], data)
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if !errors.Is(err, io.EOF) {
			logs.Debugf("ReadFrame(header): %v", err)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return body, nil
}
