// Package filter implements the immutable event-type predicates that decide
// which events a muxer receives and which events it may inject into the bus.
package filter
