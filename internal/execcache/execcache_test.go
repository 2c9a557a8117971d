package execcache

import (
	"testing"

	"github.com/gogpu/fuser/kernelir"
)

func TestGetOrCreateReturnsSameEntryForSameKey(t *testing.T) {
	c := New()
	key := HashInputShapes([][]int64{{2, 3}}, []kernelir.DType{kernelir.DTypeFloat32})

	a := c.GetOrCreate(key)
	b := c.GetOrCreate(key)
	if a != b {
		t.Fatalf("GetOrCreate returned different entries for the same key")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestHashInputShapesDiffersByShape(t *testing.T) {
	a := HashInputShapes([][]int64{{2, 3}}, []kernelir.DType{kernelir.DTypeFloat32})
	b := HashInputShapes([][]int64{{3, 2}}, []kernelir.DType{kernelir.DTypeFloat32})
	if a == b {
		t.Fatalf("HashInputShapes collided for distinct shapes %v and %v", []int64{2, 3}, []int64{3, 2})
	}
}

// TestDisableCacheFlagForcesReplacement covers §4.6's sticky disable-cache
// trigger: once an entry is flagged, the next lookup must not hand it
// back.
func TestDisableCacheFlagForcesReplacement(t *testing.T) {
	c := New()
	key := HashInputShapes([][]int64{{4}}, []kernelir.DType{kernelir.DTypeInt32})

	first := c.GetOrCreate(key)
	first.DisableCache = true

	second := c.GetOrCreate(key)
	if second == first {
		t.Fatalf("GetOrCreate returned a disabled entry instead of a fresh one")
	}
	if second.DisableCache {
		t.Fatalf("replacement entry inherited DisableCache = true")
	}
}
