package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/broker/pkg/event"
)

const (
	// categorySlots covers categories 0-14 plus the internal category
	categorySlots = 16
	internalSlot  = categorySlots - 1

	// maxElements is the per-category element range held in the bitset
	maxElements  = 256
	elementWords = maxElements / 64
)

// Filter is an immutable set of allowed event types.
//
// Membership is a constant-time bitset lookup: Allows runs once per event
// per subscriber. Types outside the bitset range fall back to map lookups.
type Filter struct {
	all        bool
	categories [categorySlots]bool
	bits       [categorySlots][elementWords]uint64

	extraCategories map[event.Category]struct{}
	extraTypes      map[event.Type]struct{}

	desc string
}

func slotOf(c event.Category) int {
	if c == event.CategoryInternal {
		return internalSlot
	}
	if int(c) < internalSlot {
		return int(c)
	}
	return -1
}

// All returns a filter allowing every event
func All() *Filter {
	return &Filter{all: true, desc: "all"}
}

// None returns a filter rejecting every event
func None() *Filter {
	return &Filter{desc: ""}
}

// New returns a filter allowing exactly the given types
func New(types ...event.Type) *Filter {
	b := newBuilder()
	for _, t := range types {
		b.addType(t)
	}
	return b.build()
}

// Parse builds a filter from a comma-separated list.
//
// Each entry is "all", a category name ("neb"), a category wildcard
// ("neb:*"), a registered event ("neb:host_status") or a numeric element
// ("storage:12"). An empty string yields a filter that rejects everything.
func Parse(s string) (*Filter, error) {
	b := newBuilder()
	for _, token := range strings.Split(s, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		if token == "all" {
			return All(), nil
		}

		catName, elem, hasElem := strings.Cut(token, ":")
		cat, ok := event.ParseCategory(catName)
		if !ok {
			return nil, fmt.Errorf("unknown event category %q in filter %q", catName, s)
		}

		switch {
		case !hasElem || elem == "*":
			b.addCategory(cat)
		default:
			if t, ok := event.Lookup(token); ok {
				b.addType(t)
				continue
			}
			n, err := strconv.ParseUint(elem, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("unknown event type %q in filter %q", token, s)
			}
			b.addType(event.MakeType(cat, uint16(n)))
		}
	}
	return b.build(), nil
}

// MustParse is like Parse but panics on error
func MustParse(s string) *Filter {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Allows reports whether events of type t pass the filter
func (f *Filter) Allows(t event.Type) bool {
	if f.all {
		return true
	}

	cat := t.Category()
	if slot := slotOf(cat); slot >= 0 {
		if f.categories[slot] {
			return true
		}
		if elem := t.Element(); elem < maxElements {
			return f.bits[slot][elem/64]&(1<<(elem%64)) != 0
		}
	} else if _, ok := f.extraCategories[cat]; ok {
		return true
	}

	_, ok := f.extraTypes[t]
	return ok
}

// AllowsAll reports whether this is the "all" filter
func (f *Filter) AllowsAll() bool {
	return f.all
}

// String returns a canonical description, e.g. "bbdo,neb:host_status"
func (f *Filter) String() string {
	return f.desc
}

type builder struct {
	f          *Filter
	categories map[event.Category]struct{}
	types      map[event.Type]struct{}
}

func newBuilder() *builder {
	return &builder{
		f:          &Filter{},
		categories: make(map[event.Category]struct{}),
		types:      make(map[event.Type]struct{}),
	}
}

func (b *builder) addCategory(c event.Category) {
	b.categories[c] = struct{}{}
	if slot := slotOf(c); slot >= 0 {
		b.f.categories[slot] = true
		return
	}
	if b.f.extraCategories == nil {
		b.f.extraCategories = make(map[event.Category]struct{})
	}
	b.f.extraCategories[c] = struct{}{}
}

func (b *builder) addType(t event.Type) {
	b.types[t] = struct{}{}
	slot := slotOf(t.Category())
	if elem := t.Element(); slot >= 0 && elem < maxElements {
		b.f.bits[slot][elem/64] |= 1 << (elem % 64)
		return
	}
	if b.f.extraTypes == nil {
		b.f.extraTypes = make(map[event.Type]struct{})
	}
	b.f.extraTypes[t] = struct{}{}
}

func (b *builder) build() *Filter {
	var parts []string
	for c := range b.categories {
		parts = append(parts, c.String())
	}
	for t := range b.types {
		if _, covered := b.categories[t.Category()]; !covered {
			parts = append(parts, t.String())
		}
	}
	sort.Strings(parts)
	b.f.desc = strings.Join(parts, ",")
	return b.f
}
