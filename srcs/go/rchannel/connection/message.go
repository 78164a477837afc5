package connection

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version of the envelope encoding. Peers reject envelopes of another version.
const Version = 1

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 1 << 30

// Kind tags the union carried by an Envelope.
type Kind uint8

const (
	KindSerial    Kind = 1 // a payload stamped with a serial number
	KindException Kind = 2 // the sender failed and won't take part in further rounds
	KindConnected Kind = 3 // the sender's subscription is in place
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "SerialMessage"
	case KindException:
		return "ExceptionMarker"
	case KindConnected:
		return "ConnectedMarker"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

func (k Kind) valid() bool {
	return KindSerial <= k && k <= KindConnected
}

const (
	fieldVersion protowire.Number = 1
	fieldKind    protowire.Number = 2
	fieldSerial  protowire.Number = 3
	fieldIndex   protowire.Number = 4
	fieldPayload protowire.Number = 5
)

const fieldItem protowire.Number = 1

var endian = binary.LittleEndian

var (
	ErrVersionMismatch = errors.New("envelope version mismatch")
	errUnknownKind     = errors.New("unknown envelope kind")
	errFrameTooLarge   = errors.New("frame too large")
)

// Envelope is the unit exchanged between a hub and its peers.
// Index is the sender's rank within the scope; it is meaningful on the gather path only.
type Envelope struct {
	Kind    Kind
	Serial  uint64
	Index   int
	Payload []byte
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s{serial=%d,index=%d,length=%d}", e.Kind, e.Serial, e.Index, len(e.Payload))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Marshal encodes e in protobuf wire format.
func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Payload))
	b = appendVarintField(b, fieldVersion, Version)
	b = appendVarintField(b, fieldKind, uint64(e.Kind))
	b = appendVarintField(b, fieldSerial, e.Serial)
	b = appendVarintField(b, fieldIndex, uint64(e.Index))
	if e.Kind == KindSerial {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// Unmarshal decodes an envelope, skipping fields it doesn't know.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	var version uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Payload = make([]byte, len(v))
			copy(e.Payload, v)
			b = b[n:]
		case num >= fieldVersion && num <= fieldIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case fieldVersion:
				version = v
			case fieldKind:
				e.Kind = Kind(v)
			case fieldSerial:
				e.Serial = v
			case fieldIndex:
				e.Index = int(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if version != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, Version)
	}
	if !e.Kind.valid() {
		return fmt.Errorf("%w: %d", errUnknownKind, e.Kind)
	}
	return nil
}

func (e Envelope) WriteTo(w io.Writer) error {
	return writeFrame(w, e.Marshal())
}

func (e *Envelope) ReadFrom(r io.Reader) error {
	body, err := readFrame(r)
	if err != nil {
		return err
	}
	return e.Unmarshal(body)
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return errFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	endian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, endian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// EncodeList packs a list of payloads into one payload.
func EncodeList(items [][]byte) []byte {
	var b []byte
	for _, item := range items {
		b = protowire.AppendTag(b, fieldItem, protowire.BytesType)
		b = protowire.AppendBytes(b, item)
	}
	return b
}

// DecodeList is the inverse of EncodeList.
func DecodeList(b []byte) ([][]byte, error) {
	items := [][]byte{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldItem || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		item := make([]byte, len(v))
		copy(item, v)
		items = append(items, item)
		b = b[n:]
	}
	return items, nil
}
