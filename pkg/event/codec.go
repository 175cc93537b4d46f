package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/anypb"
)

// Record layout (big endian):
//
//	type(4) source(4) destination(4) kind(1) length(4) payload(length) crc32(4)
//
// The checksum covers every byte before it.
const (
	headerSize  = 17
	trailerSize = 4

	kindRaw     byte = 0
	kindMessage byte = 1
)

var (
	// ErrCorrupt is returned when a record fails framing or checksum validation
	ErrCorrupt = errors.New("corrupt event record")

	// ErrUnknownMessage is returned for an intact record whose message type
	// is not linked into this binary
	ErrUnknownMessage = errors.New("unknown message type")
)

// Marshal serializes an event into a self-describing record
func Marshal(e *Event) ([]byte, error) {
	kind := kindRaw
	payload := e.payload
	if e.message != nil {
		a, err := anypb.New(e.message)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap message: %w", err)
		}
		payload, err = proto.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		kind = kindMessage
	}

	buf := make([]byte, headerSize+len(payload)+trailerSize)
	binary.BigEndian.PutUint32(buf[0:], uint32(e.typ))
	binary.BigEndian.PutUint32(buf[4:], e.source)
	binary.BigEndian.PutUint32(buf[8:], e.destination)
	buf[12] = kind
	binary.BigEndian.PutUint32(buf[13:], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	sum := crc32.ChecksumIEEE(buf[:headerSize+len(payload)])
	binary.BigEndian.PutUint32(buf[headerSize+len(payload):], sum)
	return buf, nil
}

// Unmarshal decodes a record produced by Marshal.
// Any framing, checksum or payload failure yields an error wrapping ErrCorrupt,
// except a well-formed message of an unregistered type, which yields
// ErrUnknownMessage.
func Unmarshal(buf []byte) (*Event, error) {
	if len(buf) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: short record (%d bytes)", ErrCorrupt, len(buf))
	}

	size := binary.BigEndian.Uint32(buf[13:])
	if uint64(len(buf)) != uint64(headerSize)+uint64(size)+trailerSize {
		return nil, fmt.Errorf("%w: length %d does not match record size %d", ErrCorrupt, size, len(buf))
	}

	end := headerSize + int(size)
	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	e := &Event{
		typ:         Type(binary.BigEndian.Uint32(buf[0:])),
		source:      binary.BigEndian.Uint32(buf[4:]),
		destination: binary.BigEndian.Uint32(buf[8:]),
	}

	// The caller's buffer may be reused, so the payload is copied out.
	payload := make([]byte, size)
	copy(payload, buf[headerSize:end])

	switch buf[12] {
	case kindRaw:
		e.payload = payload
	case kindMessage:
		var a anypb.Any
		if err := proto.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		msg, err := a.UnmarshalNew()
		if errors.Is(err, protoregistry.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, a.GetTypeUrl())
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		e.message = msg
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %d", ErrCorrupt, buf[12])
	}
	return e, nil
}
