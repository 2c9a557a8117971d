package launchengine

import (
	"sync"

	"github.com/gogpu/fuser/internal/launchparam"
	"github.com/gogpu/fuser/internal/shapeinfer"
)

// Entry is the spec's "Executor Entry": per-input-shape cache of launch
// params and buffer-allocation descriptors, plus the parallel array of
// argument byte-buffers the launch call consumes. Entries live for the
// lifetime of the executor (§3 Lifecycles) -- there is no eviction path.
//
// Grounded on internal/gpu/buffer.go's mutable-descriptor-plus-mutex
// shape, adapted to hold the in-place-rewritable argument buffers
// instead of a single device buffer.
type Entry struct {
	mu sync.Mutex

	Initialized bool

	Params       launchparam.Params
	OutputInfos  []*shapeinfer.AllocInfo
	Intermediate []*shapeinfer.AllocInfo

	ArgBuffers []*ArgBuffer

	// DisableCache is the sticky flag from §4.6 "Disable-cache trigger":
	// once set, the owning cache must not reuse this entry across calls.
	DisableCache bool
}

// MarkInitialized records that shape inference and launch-parameter
// resolution have completed for this cache key. disableCache is §4.6's
// disable-cache trigger, set from the kernel when any output's logical
// extent transitively depends on a non-tensor input; it is sticky, so a
// later call with disableCache=false never clears an already-set flag.
func (e *Entry) MarkInitialized(params launchparam.Params, outputs, intermediates []*shapeinfer.AllocInfo, disableCache bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Params = params
	e.OutputInfos = outputs
	e.Intermediate = intermediates
	e.Initialized = true
	if disableCache {
		e.DisableCache = true
	}
}

// IsInitialized reports whether MarkInitialized has run.
func (e *Entry) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Initialized
}

// EntrySnapshot is the persisted-state view of an Entry (§6): launch
// params and output/intermediate infos, but not the argument buffers,
// which are rebuilt from scratch on the first call after restore.
type EntrySnapshot struct {
	Initialized  bool
	Params       launchparam.Params
	OutputInfos  []*shapeinfer.AllocInfo
	Intermediate []*shapeinfer.AllocInfo
	DisableCache bool
}

// Snapshot returns the persistable portion of the entry's state.
func (e *Entry) Snapshot() EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntrySnapshot{
		Initialized:  e.Initialized,
		Params:       e.Params,
		OutputInfos:  e.OutputInfos,
		Intermediate: e.Intermediate,
		DisableCache: e.DisableCache,
	}
}

// Restore repopulates an entry from a previously captured snapshot,
// without going through MarkInitialized's caller-supplied-outputs path.
func (e *Entry) Restore(s EntrySnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Initialized = s.Initialized
	e.Params = s.Params
	e.OutputInfos = s.OutputInfos
	e.Intermediate = s.Intermediate
	e.DisableCache = s.DisableCache
}
