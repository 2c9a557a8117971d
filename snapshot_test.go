package fuser

import (
	"bytes"
	"testing"

	"github.com/gogpu/fuser/internal/launchengine"
	"github.com/gogpu/fuser/internal/launchparam"
)

func TestSnapshotRoundTripsCacheEntries(t *testing.T) {
	x := newTestExecutor()

	entry := x.cache.GetOrCreate(42)
	entry.MarkInitialized(launchparam.Params{}, nil, nil, false)

	var buf bytes.Buffer
	if err := x.WriteSnapshot(&buf); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	state, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	snap, ok := state.Entries[42]
	if !ok {
		t.Fatalf("restored state missing key 42")
	}
	if !snap.Initialized {
		t.Fatalf("restored entry snapshot not initialized")
	}
}

func TestRestoreRepopulatesCache(t *testing.T) {
	x := newTestExecutor()
	state := PersistedState{
		Entries: map[uint64]launchengine.EntrySnapshot{
			7: {Initialized: true},
		},
	}
	if err := x.Restore(state); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	e, ok := x.cache.Get(7)
	if !ok {
		t.Fatalf("Restore did not populate cache key 7")
	}
	if !e.IsInitialized() {
		t.Fatalf("restored entry reports not initialized")
	}
}

func TestRestoreSkipsArtifactsForUnregisteredKernels(t *testing.T) {
	x := newTestExecutor()
	state := PersistedState{
		Artifacts: map[int]persistedArtifact{
			99: {Binary: []uint32{1, 2, 3}, BlockSize: 64},
		},
	}
	if err := x.Restore(state); err != nil {
		t.Fatalf("Restore: %v, want nil (unregistered kernel artifacts are skipped)", err)
	}
}
