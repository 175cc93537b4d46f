/*
Package retention implements the append-only, transactional event log used
by muxers to spill events past their in-memory cap and by the engine to
buffer events while multiplexing is stopped.

# Storage

Each retention file is a bbolt database with two buckets:

	events   sequence number (uint64, big endian) -> event record
	meta     "consumed" -> sequence of the last record returned by Get

Records use the framing of event.Marshal: type, source, destination,
payload kind, length-prefixed payload and a CRC-32 trailer.

# Transactions

	f.Transaction()
	f.Add(ev1)
	f.Add(ev2)
	f.Commit()    // one bbolt transaction, fsynced

Records added inside a transaction are invisible to Get until Commit and are
lost if the process dies first. Add outside a transaction commits at once.

# Reading

Get returns records in append order and nil at end of file. Records are read
ahead in batches; the read position is persisted on each batch and on Close,
so a record is only lost to a crash if Get already returned it. A record that
fails validation ends the stream: it and every record after it are deleted
and logged, and later appends are read normally.

# Naming

	QueueFile(dir, name)   <dir>/<name>.queue          muxer spill file
	MemoryFile(dir, name)  <dir>/<name>.queue.memory   persistent muxer RAM queue
	CacheFile(dir, name)   <dir>/<name>.unprocessed    engine buffer while stopped
*/
package retention
