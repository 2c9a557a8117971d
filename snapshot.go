package fuser

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/gogpu/fuser/internal/launchengine"
	"github.com/gogpu/fuser/kernelir"
)

// persistedArtifact is the on-disk form of a kernelcompiler.Artifact:
// enough to recreate a shader module and pipeline via
// Compiler.RestoreArtifact without rerunning naga.
type persistedArtifact struct {
	Binary          []uint32
	BlockSize       int
	RegisterCeiling int
}

// PersistedState is everything Snapshot/Restore carries across a
// process restart (§6 "Persisted state"): every cached Executor Entry,
// keyed by its input-shape hash, and every kernel's compiled binary,
// keyed by kernel ID.
type PersistedState struct {
	Entries   map[uint64]launchengine.EntrySnapshot
	Artifacts map[int]persistedArtifact
}

// Snapshot captures the executor's current cache and compiled binaries.
func (x *Executor) Snapshot() PersistedState {
	entries := make(map[uint64]launchengine.EntrySnapshot)
	for _, key := range x.cache.Keys() {
		if e, ok := x.cache.Get(key); ok {
			entries[key] = e.Snapshot()
		}
	}

	artifacts := make(map[int]persistedArtifact)
	for id, a := range x.engine.Artifacts() {
		artifacts[id] = persistedArtifact{
			Binary:          a.Binary,
			BlockSize:       a.BlockSize,
			RegisterCeiling: a.RegisterCeiling,
		}
	}

	return PersistedState{Entries: entries, Artifacts: artifacts}
}

// WriteSnapshot gob-encodes the executor's current state to w.
func (x *Executor) WriteSnapshot(w io.Writer) error {
	return gob.NewEncoder(w).Encode(x.Snapshot())
}

// ReadSnapshot gob-decodes a PersistedState previously written by
// WriteSnapshot.
func ReadSnapshot(r io.Reader) (PersistedState, error) {
	var s PersistedState
	err := gob.NewDecoder(r).Decode(&s)
	return s, err
}

// Restore repopulates the executor's cache entries from state, and
// reloads the compiled binary for any artifact whose kernel has already
// been registered (via Compile, Run, or CompileRTC) in this process.
// Artifacts for kernels not yet seen this run are skipped; they
// recompile lazily the first time that kernel is compiled or run, since
// the kernel's Kernel value -- and thus its generated source -- is not
// itself part of the persisted state.
func (x *Executor) Restore(state PersistedState) error {
	for key, snap := range state.Entries {
		e := x.cache.GetOrCreate(key)
		e.Restore(snap)
	}

	x.mu.Lock()
	kernels := make(map[int]*kernelir.Kernel, len(x.kernels))
	for id, k := range x.kernels {
		kernels[id] = k
	}
	x.mu.Unlock()

	for id, art := range state.Artifacts {
		k, ok := kernels[id]
		if !ok {
			continue
		}
		if _, err := x.engine.RestoreCompiled(k, art.Binary, art.BlockSize, art.RegisterCeiling); err != nil {
			return fmt.Errorf("fuser: restore artifact for kernel %d: %w", id, err)
		}
	}
	return nil
}
