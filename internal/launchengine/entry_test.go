package launchengine

import (
	"testing"

	"github.com/gogpu/fuser/internal/launchparam"
)

// TestMarkInitializedSetsDisableCacheFromScalarDependency covers §4.6's
// disable-cache trigger: a kernel whose output shape transitively depends
// on a non-tensor input must flip the entry's sticky DisableCache flag the
// first time it is initialized.
func TestMarkInitializedSetsDisableCacheFromScalarDependency(t *testing.T) {
	e := &Entry{}
	e.MarkInitialized(launchparam.Params{}, nil, nil, true)
	if !e.DisableCache {
		t.Fatal("MarkInitialized(disableCache=true) did not set Entry.DisableCache")
	}
}

func TestMarkInitializedLeavesDisableCacheClearWhenNotTriggered(t *testing.T) {
	e := &Entry{}
	e.MarkInitialized(launchparam.Params{}, nil, nil, false)
	if e.DisableCache {
		t.Fatal("MarkInitialized(disableCache=false) set Entry.DisableCache")
	}
}

// TestMarkInitializedDisableCacheIsSticky covers the "sticky flag" half of
// §4.6: a later call, even with disableCache=false, must never clear a
// flag a previous call already set.
func TestMarkInitializedDisableCacheIsSticky(t *testing.T) {
	e := &Entry{}
	e.MarkInitialized(launchparam.Params{}, nil, nil, true)
	e.MarkInitialized(launchparam.Params{}, nil, nil, false)
	if !e.DisableCache {
		t.Fatal("a later MarkInitialized(disableCache=false) cleared a previously sticky DisableCache flag")
	}
}
