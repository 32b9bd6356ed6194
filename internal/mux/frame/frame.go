package frame

import (
	"encoding/binary"
)

var (
	// the byte order of all serialized integers
	order = binary.BigEndian
)

const (
	// masks for packing/unpacking the leading header word
	streamMask = 0x00FFFFFF

	headerSize = 4
)

// StreamId is a 24-bit integer uniquely identifying a stream within a socket
type StreamId uint32

// MaxStreamId is the largest stream id that can appear on the wire.
const MaxStreamId StreamId = streamMask

func (id StreamId) valid() error {
	if id > MaxStreamId {
		return protoError("invalid stream id: %d", id)
	}
	return nil
}

// ErrorCode is a 32-bit integer indicating an error condition on a stream or socket
type ErrorCode uint32

// Type is an 8-bit integer in the high byte of the frame header that
// identifies the type of frame
type Type uint8

const (
	TypeAuth   Type = 0
	TypeGoAway Type = 1
	TypeData   Type = 2
	TypeClose  Type = 3
	TypeRst    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeAuth:
		return "AUTH"
	case TypeGoAway:
		return "GOAWAY"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypeRst:
		return "RST"
	}
	return "UNKNOWN"
}

// common holds the header word shared by every frame: type in the high
// 8 bits, stream id in the low 24.
type common struct {
	ftype    Type
	streamId StreamId
}

func (f *common) StreamId() StreamId {
	return f.streamId
}

func (f *common) Type() Type {
	return f.ftype
}

func (f *common) pack(ftype Type, streamId StreamId) error {
	if err := streamId.valid(); err != nil {
		return err
	}
	f.ftype = ftype
	f.streamId = streamId
	return nil
}

func (f *common) putHeader(b []byte) {
	order.PutUint32(b, uint32(f.ftype)<<24|uint32(f.streamId&streamMask))
}

func (f *common) readFrom(b []byte) error {
	if len(b) < headerSize {
		return frameSizeError(len(b), "HEADER")
	}
	w := order.Uint32(b)
	f.ftype = Type(w >> 24)
	f.streamId = StreamId(w & streamMask)
	return nil
}

// Frame is a single protocol message, carried as one discrete message
// on the underlying transport.
type Frame interface {
	StreamId() StreamId
	Type() Type

	// Encode serializes the frame into a fresh transport message.
	Encode() ([]byte, error)
	decode(b []byte) error
}

// Decode parses a complete transport message into a frame. Messages
// with an unrecognized type tag decode to *Unknown so that callers can
// discard them without tearing down the connection.
func Decode(b []byte) (Frame, error) {
	var c common
	if err := c.readFrom(b); err != nil {
		return nil, err
	}
	var f Frame
	switch c.ftype {
	case TypeAuth:
		f = &Auth{common: c}
	case TypeGoAway:
		f = &GoAway{common: c}
	case TypeData:
		f = &Data{common: c}
	case TypeClose:
		f = &Close{common: c}
	case TypeRst:
		f = &Rst{common: c}
	default:
		f = &Unknown{common: c}
	}
	return f, f.decode(b)
}
