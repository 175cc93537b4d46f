package retention

import (
	"path/filepath"
	"strings"
)

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", string(filepath.Separator), "_")

// QueueFile returns the spill file of the muxer called name
func QueueFile(dir, name string) string {
	return filepath.Join(dir, nameReplacer.Replace(name)+".queue")
}

// MemoryFile returns the file holding a persistent muxer's in-memory queue
// across restarts
func MemoryFile(dir, name string) string {
	return QueueFile(dir, name) + ".memory"
}

// CacheFile returns the file buffering events while the engine is stopped
func CacheFile(dir, name string) string {
	return filepath.Join(dir, nameReplacer.Replace(name)+".unprocessed")
}
