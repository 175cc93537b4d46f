/*
Package stream connects the multiplexing core to the endpoints around it.

A Stream reads and writes events. Every muxer is a Source: a Stream whose
events stay queued until acknowledged. A Feeder pumps a Source into a
downstream Stream and acknowledges exactly the number of events the
downstream reports as processed, so a failing downstream never loses data.

LogStream is the built-in sink; it logs each event and acknowledges them in
batches.
*/
package stream
