package event

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Category groups related event types
type Category uint16

const (
	CategoryNone      Category = 0
	CategoryNEB       Category = 1
	CategoryBBDO      Category = 2
	CategoryStorage   Category = 3
	CategoryDumper    Category = 4
	CategoryBAM       Category = 5
	CategoryExtcmd    Category = 6
	CategoryGenerator Category = 7
	CategoryLocal     Category = 8
	CategoryInternal  Category = 0xffff
)

var categoryNames = map[Category]string{
	CategoryNEB:       "neb",
	CategoryBBDO:      "bbdo",
	CategoryStorage:   "storage",
	CategoryDumper:    "dumper",
	CategoryBAM:       "bam",
	CategoryExtcmd:    "extcmd",
	CategoryGenerator: "generator",
	CategoryLocal:     "local",
	CategoryInternal:  "internal",
}

// String returns the configuration name of the category
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint16(c))
}

// ParseCategory resolves a category by its configuration name
func ParseCategory(name string) (Category, bool) {
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return CategoryNone, false
}

// Categories returns every named category
func Categories() []Category {
	return []Category{
		CategoryNEB, CategoryBBDO, CategoryStorage, CategoryDumper, CategoryBAM,
		CategoryExtcmd, CategoryGenerator, CategoryLocal, CategoryInternal,
	}
}

// Type identifies an event: category in the high 16 bits, element in the low 16
type Type uint32

// MakeType builds a Type from a category and an element
func MakeType(c Category, element uint16) Type {
	return Type(uint32(c)<<16 | uint32(element))
}

// Category returns the category part of the type
func (t Type) Category() Category {
	return Category(t >> 16)
}

// Element returns the element part of the type
func (t Type) Element() uint16 {
	return uint16(t)
}

// String returns the registered name of the type, or category:element
func (t Type) String() string {
	if name, ok := Name(t); ok {
		return name
	}
	return fmt.Sprintf("%s:%d", t.Category(), t.Element())
}

// Event is a typed monitoring record flowing through the bus.
//
// An Event is immutable once constructed and is shared by pointer between
// every queue holding it. Producers must not modify a payload after handing
// the event to the engine.
type Event struct {
	typ         Type
	source      uint32
	destination uint32
	payload     []byte
	message     proto.Message
}

// Option configures an Event at construction
type Option func(*Event)

// WithSource sets the originating poller ID
func WithSource(id uint32) Option {
	return func(e *Event) {
		e.source = id
	}
}

// WithDestination sets the destination poller ID
func WithDestination(id uint32) Option {
	return func(e *Event) {
		e.destination = id
	}
}

// New creates an event carrying a raw byte payload
func New(t Type, payload []byte, opts ...Option) *Event {
	e := &Event{typ: t, payload: payload}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMessage creates an event carrying a structured protobuf payload
func NewMessage(t Type, msg proto.Message, opts ...Option) *Event {
	e := &Event{typ: t, message: msg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Event) Type() Type { return e.typ }
func (e *Event) Source() uint32 { return e.source }
func (e *Event) Destination() uint32 { return e.destination }
func (e *Event) Payload() []byte { return e.payload }
func (e *Event) Message() proto.Message { return e.message }

// IsMessage reports whether the payload is a structured message
func (e *Event) IsMessage() bool {
	return e.message != nil
}

// String returns a short description for logs
func (e *Event) String() string {
	if e.message != nil {
		return fmt.Sprintf("%s[%d->%d] %s", e.typ, e.source, e.destination, e.message.ProtoReflect().Descriptor().FullName())
	}
	return fmt.Sprintf("%s[%d->%d] %d bytes", e.typ, e.source, e.destination, len(e.payload))
}
