package smem

import (
	"testing"

	"github.com/gogpu/fuser/kernelir"
)

type nopEvaluator struct{}

func (nopEvaluator) Eval(e kernelir.Expr) (int64, bool)                    { return 0, false }
func (nopEvaluator) Bind(name string, value int64)                        {}
func (nopEvaluator) BindTensor(name string, sizes, strides []int64)       {}
func (nopEvaluator) LookupTensor(name string) ([]int64, []int64, bool)     { return nil, nil, false }

func TestPlanAlignsBaseAndTakesMax(t *testing.T) {
	allocs := []kernelir.SmemAlloc{
		{Name: "a", Address: kernelir.ConstExpr(0), Size: kernelir.ConstExpr(4), DType: kernelir.DTypeFloat32},
		{Name: "b", Address: kernelir.ConstExpr(16), Size: kernelir.ConstExpr(2), DType: kernelir.DTypeFloat64},
	}
	total, err := Plan(allocs, 1, nopEvaluator{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	// base aligns 1 -> 16; a: 16+0+4*4=32; b: 16+16+2*8=48 -> max 48.
	if total != 48 {
		t.Fatalf("total = %d, want 48", total)
	}
}

func TestPlanSkipsAliases(t *testing.T) {
	allocs := []kernelir.SmemAlloc{
		{Name: "a", Address: kernelir.ConstExpr(0), Size: kernelir.ConstExpr(100), DType: kernelir.DTypeFloat32, AliasOf: "b"},
	}
	total, err := Plan(allocs, 0, nopEvaluator{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0 (aliased allocs contribute nothing)", total)
	}
}

func TestReductionWorkspaceWelfordFactor(t *testing.T) {
	s := &kernelir.Summary{
		HasBlockWelford:  true,
		LargestSmemDType: kernelir.DTypeFloat32,
	}
	ws, err := ReductionWorkspace(s, 32, 4, 1)
	if err != nil {
		t.Fatalf("ReductionWorkspace: %v", err)
	}
	want := int64(4 * 3 * 1 * 32 * 4 * 1)
	if ws != want {
		t.Fatalf("workspace = %d, want %d", ws, want)
	}
}

func TestReductionWorkspaceRejectsIterGroupedWelford(t *testing.T) {
	s := &kernelir.Summary{
		HasGridWelford:          true,
		HasIterGroupedReduction: true,
		LargestSmemDType:        kernelir.DTypeFloat32,
	}
	if _, err := ReductionWorkspace(s, 32, 1, 1); err == nil {
		t.Fatal("expected error combining iter-grouped reduction with welford")
	}
}
