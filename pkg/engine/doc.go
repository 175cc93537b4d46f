/*
Package engine implements the broker's publish/subscribe hub.

Producers hand events to the engine, which fans them out to every subscribed
muxer. The engine runs in one of three states:

	nop                  events queue in memory until the first Start
	write                events are dispatched to subscribers immediately
	write_to_cache_file  events are appended to the cache file

Stop flushes the pending queue and switches to the cache file. Start replays
the cache file, oldest first, before any newly published event is delivered.
An engine closed while events are still pending writes them to the cache
file; the next engine created on the same directory replays them.

# Usage

	eng := engine.New(engine.Config{CacheDir: "/var/lib/broker"})
	defer eng.Close()

	eng.Subscribe(sub)
	if err := eng.Start(); err != nil {
		return err
	}
	eng.Publish(event.New(event.NEBHostStatus, payload))
*/
package engine
