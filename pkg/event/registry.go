package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known event types
var (
	NEBAcknowledgement = MakeType(CategoryNEB, 1)
	NEBComment         = MakeType(CategoryNEB, 2)
	NEBCustomVariable  = MakeType(CategoryNEB, 3)
	NEBDowntime        = MakeType(CategoryNEB, 5)
	NEBHost            = MakeType(CategoryNEB, 12)
	NEBHostCheck       = MakeType(CategoryNEB, 8)
	NEBHostStatus      = MakeType(CategoryNEB, 14)
	NEBInstance        = MakeType(CategoryNEB, 15)
	NEBInstanceStatus  = MakeType(CategoryNEB, 16)
	NEBLogEntry        = MakeType(CategoryNEB, 17)
	NEBService         = MakeType(CategoryNEB, 23)
	NEBServiceCheck    = MakeType(CategoryNEB, 19)
	NEBServiceStatus   = MakeType(CategoryNEB, 24)

	BBDOVersionResponse = MakeType(CategoryBBDO, 1)
	BBDOAck             = MakeType(CategoryBBDO, 2)
	BBDOStop            = MakeType(CategoryBBDO, 3)

	StorageMetric        = MakeType(CategoryStorage, 1)
	StorageRebuild       = MakeType(CategoryStorage, 2)
	StorageRemoveGraph   = MakeType(CategoryStorage, 3)
	StorageStatus        = MakeType(CategoryStorage, 4)
	StorageIndexMapping  = MakeType(CategoryStorage, 5)
	StorageMetricMapping = MakeType(CategoryStorage, 6)

	DumperDump = MakeType(CategoryDumper, 1)

	BAMBAStatus  = MakeType(CategoryBAM, 1)
	BAMKPIStatus = MakeType(CategoryBAM, 2)
	BAMBAEvent   = MakeType(CategoryBAM, 3)
	BAMKPIEvent  = MakeType(CategoryBAM, 4)

	ExtcmdCommandRequest = MakeType(CategoryExtcmd, 1)
	ExtcmdCommandResult  = MakeType(CategoryExtcmd, 2)

	GeneratorEvent = MakeType(CategoryGenerator, 1)

	LocalPollerStatus = MakeType(CategoryLocal, 1)
)

type typeRegistry struct {
	mu     sync.RWMutex
	byName map[string]Type
	byType map[Type]string
}

var registry = &typeRegistry{
	byName: make(map[string]Type),
	byType: make(map[Type]string),
}

func init() {
	builtin := map[string]Type{
		"acknowledgement":  NEBAcknowledgement,
		"comment":          NEBComment,
		"custom_variable":  NEBCustomVariable,
		"downtime":         NEBDowntime,
		"host":             NEBHost,
		"host_check":       NEBHostCheck,
		"host_status":      NEBHostStatus,
		"instance":         NEBInstance,
		"instance_status":  NEBInstanceStatus,
		"log_entry":        NEBLogEntry,
		"service":          NEBService,
		"service_check":    NEBServiceCheck,
		"service_status":   NEBServiceStatus,
		"version_response": BBDOVersionResponse,
		"ack":              BBDOAck,
		"stop":             BBDOStop,
		"metric":           StorageMetric,
		"rebuild":          StorageRebuild,
		"remove_graph":     StorageRemoveGraph,
		"status":           StorageStatus,
		"index_mapping":    StorageIndexMapping,
		"metric_mapping":   StorageMetricMapping,
		"dump":             DumperDump,
		"ba_status":        BAMBAStatus,
		"kpi_status":       BAMKPIStatus,
		"ba_event":         BAMBAEvent,
		"kpi_event":        BAMKPIEvent,
		"command_request":  ExtcmdCommandRequest,
		"command_result":   ExtcmdCommandResult,
		"event":            GeneratorEvent,
		"poller_status":    LocalPollerStatus,
	}
	for name, t := range builtin {
		if err := Register(name, t); err != nil {
			panic(err)
		}
	}
}

// Register makes an event type known under "<category>:<name>".
// Registering the same pair twice is a no-op.
func Register(name string, t Type) error {
	full := t.Category().String() + ":" + name

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok := registry.byName[full]; ok && existing != t {
		return fmt.Errorf("event type %s already registered as %d", full, existing)
	}
	if existing, ok := registry.byType[t]; ok && existing != full {
		return fmt.Errorf("event type %d already registered as %s", t, existing)
	}
	registry.byName[full] = t
	registry.byType[t] = full
	return nil
}

// Lookup resolves a "<category>:<name>" string to its type
func Lookup(name string) (Type, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	t, ok := registry.byName[strings.ToLower(name)]
	return t, ok
}

// Name returns the registered name of a type
func Name(t Type) (string, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	name, ok := registry.byType[t]
	return name, ok
}

// TypesOf returns the registered types of a category, sorted
func TypesOf(c Category) []Type {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	var types []Type
	for t := range registry.byType {
		if t.Category() == c {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
