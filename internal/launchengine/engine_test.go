package launchengine

import (
	"errors"
	"testing"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/bufalloc"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/shapeinfer"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// panicDriver implements gpudevice.Driver; every method except Close
// panics, so a
// test using it fails loudly if a code path reaches the device that the
// test did not expect to exercise.
type panicDriver struct{}

func (panicDriver) Device() hal.Device                    { panic("unexpected Device() call") }
func (panicDriver) Limits() gputypes.Limits                { panic("unexpected Limits() call") }
func (panicDriver) Capability() kernelir.Capability         { panic("unexpected Capability() call") }
func (panicDriver) AvailableDynamicSmemBytes() (int, error) { panic("unexpected call") }
func (panicDriver) RaiseDynamicSmemAttribute(hal.ComputePipeline, int) error {
	panic("unexpected call")
}
func (panicDriver) MaxResidentBlocksPerSM(int, int) (int, error) { panic("unexpected call") }
func (panicDriver) SMCount() int                                 { panic("unexpected call") }
func (panicDriver) CreateArgLayout(string, int) (hal.BindGroupLayout, hal.PipelineLayout, error) {
	panic("unexpected call")
}
func (panicDriver) Dispatch(hal.ComputePipeline, hal.BindGroupLayout, []hal.Buffer, uint32, uint32, uint32) error {
	panic("unexpected call")
}
func (panicDriver) WriteBuffer(hal.Buffer, uint64, []byte) error { panic("unexpected call") }
func (panicDriver) Close()                                       {}

var _ gpudevice.Driver = panicDriver{}

// fakeEvaluator resolves only the constant extents the tests need.
type fakeEvaluator struct {
	tensors map[string][2][]int64
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{tensors: make(map[string][2][]int64)}
}

func (f *fakeEvaluator) Eval(e kernelir.Expr) (int64, bool) { return e.IsConst() }
func (f *fakeEvaluator) Bind(string, int64)                 {}
func (f *fakeEvaluator) BindTensor(name string, sizes, strides []int64) {
	f.tensors[name] = [2][]int64{sizes, strides}
}
func (f *fakeEvaluator) LookupTensor(name string) ([]int64, []int64, bool) {
	v, ok := f.tensors[name]
	return v[0], v[1], ok
}

func dim(id int, extent int64) kernelir.IterDomain {
	return kernelir.IterDomain{ID: id, Extent: kernelir.ConstExpr(extent)}
}

// TestRunPureEvalSkipsLaunch covers §4.6 step 1: a pure-evaluation
// fusion never touches the device or the allocator.
func TestRunPureEvalSkipsLaunch(t *testing.T) {
	outTV := &kernelir.TensorView{
		Name:       "out",
		Logical:    []kernelir.IterDomain{dim(0, 4)},
		Allocation: []kernelir.IterDomain{dim(0, 4)},
	}
	k := &kernelir.Kernel{
		ID:         0,
		Name:       "pure",
		IsPureEval: true,
		Summary:    &kernelir.Summary{},
		Outputs:    []*kernelir.TensorView{outTV},
	}

	e := NewEngine(panicDriver{}, bufalloc.New(panicDriver{}, 0))
	outs, err := e.Run(RunParams{
		Kernel:    k,
		Entry:     &Entry{},
		Evaluator: newFakeEvaluator(),
	})
	if err != nil {
		t.Fatalf("Run returned error for pure-eval kernel: %v", err)
	}
	if outs != nil {
		t.Fatalf("Run returned %d outputs for pure-eval kernel, want none", len(outs))
	}
}

// TestRunMissingInputBindingError covers the input-count mismatch guard
// in step 1, before anything else runs.
func TestRunMissingInputBindingError(t *testing.T) {
	k := &kernelir.Kernel{
		Name:    "k",
		Summary: &kernelir.Summary{},
		Inputs:  []*kernelir.TensorView{{Name: "a"}},
	}
	e := NewEngine(panicDriver{}, bufalloc.New(panicDriver{}, 0))
	_, err := e.Run(RunParams{Kernel: k, Entry: &Entry{}, Evaluator: newFakeEvaluator()})
	if !errors.Is(err, errs.ErrRankMismatch) {
		t.Fatalf("err = %v, want ErrRankMismatch", err)
	}
}

func TestIntermediateViewsExcludesOutputs(t *testing.T) {
	outTV := &kernelir.TensorView{Name: "out"}
	midTV := &kernelir.TensorView{Name: "mid"}
	k := &kernelir.Kernel{
		Outputs: []*kernelir.TensorView{outTV},
		Summary: &kernelir.Summary{GlobalAllocations: []*kernelir.TensorView{outTV, midTV}},
	}
	got := intermediateViews(k)
	if len(got) != 1 || got[0].Name != "mid" {
		t.Fatalf("intermediateViews = %v, want only %q", got, "mid")
	}
}

// TestRebuildArgBuffersReusesSameRankBuffer covers the E5 scenario: a
// same-rank, same-index-width rewrite must not reallocate the ArgBuffer.
func TestRebuildArgBuffersReusesSameRankBuffer(t *testing.T) {
	entry := &Entry{}
	t1 := &bufalloc.Tensor{Handle: 1, Info: &shapeinfer.AllocInfo{Sizes: []int64{2, 3}, Strides: []int64{3, 1}}}
	rebuildArgBuffers(entry, kernelir.IndexTypeInt32, nil, []*bufalloc.Tensor{t1}, nil)
	if len(entry.ArgBuffers) != 1 {
		t.Fatalf("ArgBuffers len = %d, want 1", len(entry.ArgBuffers))
	}
	first := entry.ArgBuffers[0]

	t2 := &bufalloc.Tensor{Handle: 2, Info: &shapeinfer.AllocInfo{Sizes: []int64{5, 7}, Strides: []int64{7, 1}}}
	rebuildArgBuffers(entry, kernelir.IndexTypeInt32, nil, []*bufalloc.Tensor{t2}, nil)
	if entry.ArgBuffers[0] != first {
		t.Fatalf("rebuildArgBuffers reallocated a same-rank, same-width ArgBuffer")
	}
}
