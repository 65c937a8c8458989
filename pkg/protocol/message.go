// Package protocol defines the relay wire contract: event names, payload
// shapes and the two frame encodings spoken by clients.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 1 << 20

const (
	fieldEvent protowire.Number = 1
	fieldData  protowire.Number = 2
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is one named event and its JSON payload.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame, marshaling payload to JSON.
// A nil payload produces a frame without data.
func NewFrame(event Event, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "failed to marshal %s payload", event)
	}
	f.Data = data
	return f, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal.
func MustFrame(event Event, payload any) Frame {
	f, err := NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Bind decodes the frame payload into v.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return errors.Errorf("%s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errors.Wrapf(err, "%s: invalid payload", f.Event)
	}
	return nil
}

// Codec selects how a frame is laid out on the wire.
type Codec int

const (
	// CodecJSON is {"event": ..., "data": ...}, used for WebSocket text frames.
	CodecJSON Codec = iota
	// CodecBinary is protobuf wire format with the event name in field 1 and
	// the JSON payload bytes in field 2, used for WebSocket binary and TCP frames.
	CodecBinary
)

// String returns the string representation of Codec
func (c Codec) String() string {
	switch c {
	case CodecJSON:
		return "JSON"
	case CodecBinary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// Marshal encodes f with the codec.
func (c Codec) Marshal(f Frame) ([]byte, error) {
	if c == CodecBinary {
		return f.Encode()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// Unmarshal decodes data with the codec.
func (c Codec) Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if c == CodecBinary {
		err := f.Decode(data)
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "failed to decode frame")
	}
	if f.Event == "" {
		return Frame{}, errors.New("failed to decode frame: missing event")
	}
	return f, nil
}

// Encode encodes the frame into its binary form.
func (f *Frame) Encode() ([]byte, error) {
	if f.Event == "" {
		return nil, errors.New("failed to encode frame: missing event")
	}
	b := make([]byte, 0, len(f.Event)+len(f.Data)+8)
	b = protowire.AppendTag(b, fieldEvent, protowire.BytesType)
	b = protowire.AppendString(b, string(f.Event))
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	return b, nil
}

// Decode decodes the binary form into the frame.
// Unknown fields are skipped so newer clients can add fields.
func (f *Frame) Decode(data []byte) error {
	*f = Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "failed to decode frame")
		}
		data = data[n:]

		switch {
		case num == fieldEvent && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "failed to decode frame event")
			}
			f.Event = Event(v)
			n = m
		case num == fieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "failed to decode frame data")
			}
			f.Data = append(json.RawMessage(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "failed to decode frame")
			}
		}
		data = data[n:]
	}
	if f.Event == "" {
		return errors.New("failed to decode frame: missing event")
	}
	return nil
}

// WriteDelimited writes data prefixed by its varint length.
func WriteDelimited(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(data)+binary.MaxVarintLen32), uint64(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ReadDelimited reads one varint length-prefixed frame.
func ReadDelimited(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
