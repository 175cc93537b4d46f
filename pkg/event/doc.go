/*
Package event defines the typed monitoring records that flow through the broker.

An event type is a 32-bit value: the category (neb, bbdo, storage, bam, ...) in
the high half and the element within that category in the low half. Types can
be registered under a "<category>:<name>" string, which is how muxer filters
and statistics refer to them.

# Payloads

An Event carries either a raw byte payload or a structured protobuf message:

	ev := event.New(event.NEBHostStatus, raw, event.WithSource(12))
	ev := event.NewMessage(event.BAMBAStatus, status)

Events are immutable once built. The engine hands the same *Event to every
subscribed muxer, so a producer must never change a payload after publishing.

# Records

Marshal and Unmarshal convert events to and from the self-describing record
format stored in retention files. Structured payloads are wrapped in an
anypb.Any, so the message type must be linked into the reading process. A
record that fails its length or CRC-32 check decodes to ErrCorrupt; an intact
record carrying an unregistered message type decodes to ErrUnknownMessage.
*/
package event
