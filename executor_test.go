package fuser

import (
	"errors"
	"testing"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/kernelcompiler"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// panicDriver implements gpudevice.Driver with every method panicking
// except Close, which does nothing, and Capability, which reports the
// configured value (tests use an always-sufficient one) so
// Compile's capability gate does not block tests that never intend to
// touch the device.
type panicDriver struct {
	capability kernelir.Capability
}

func (d panicDriver) Device() hal.Device                    { panic("unexpected Device() call") }
func (d panicDriver) Limits() gputypes.Limits                { panic("unexpected Limits() call") }
func (d panicDriver) Capability() kernelir.Capability        { return d.capability }
func (d panicDriver) AvailableDynamicSmemBytes() (int, error) { panic("unexpected call") }
func (d panicDriver) RaiseDynamicSmemAttribute(hal.ComputePipeline, int) error {
	panic("unexpected call")
}
func (d panicDriver) MaxResidentBlocksPerSM(int, int) (int, error) { panic("unexpected call") }
func (d panicDriver) SMCount() int                                  { panic("unexpected call") }
func (d panicDriver) CreateArgLayout(string, int) (hal.BindGroupLayout, hal.PipelineLayout, error) {
	panic("unexpected call")
}
func (d panicDriver) Dispatch(hal.ComputePipeline, hal.BindGroupLayout, []hal.Buffer, uint32, uint32, uint32) error {
	panic("unexpected call")
}
func (d panicDriver) WriteBuffer(hal.Buffer, uint64, []byte) error { panic("unexpected call") }
func (d panicDriver) Close()                                       {}

var _ gpudevice.Driver = panicDriver{}

func newTestExecutor() *Executor {
	return New(panicDriver{capability: kernelir.Capability{Major: 9, Minor: 9}})
}

func TestCompileRejectsDeviceTooOld(t *testing.T) {
	x := New(panicDriver{capability: kernelir.Capability{Major: 1, Minor: 0}})
	k := &kernelir.Kernel{
		ID:      0,
		Summary: &kernelir.Summary{MinDeviceCapability: kernelir.Capability{Major: 9, Minor: 0}},
	}
	_, err := x.Compile(k, nil, false, kernelcompiler.CompileParams{})
	if !errors.Is(err, errs.ErrDeviceTooOld) {
		t.Fatalf("err = %v, want ErrDeviceTooOld", err)
	}
}

func TestValidateIndexTypeTMAForces32Bit(t *testing.T) {
	k := &kernelir.Kernel{
		IndexType: kernelir.IndexTypeInt32,
		Summary:   &kernelir.Summary{UsesTMA: true},
	}
	explicit := kernelir.IndexTypeInt64
	err := validateIndexType(k, &explicit, false)
	if !errors.Is(err, errs.ErrIndexTypeConflict) {
		t.Fatalf("err = %v, want ErrIndexTypeConflict", err)
	}
}

func TestValidateIndexTypeArgWidthConflict(t *testing.T) {
	k := &kernelir.Kernel{IndexType: kernelir.IndexTypeInt64, Summary: &kernelir.Summary{}}
	explicit := kernelir.IndexTypeInt32
	err := validateIndexType(k, &explicit, true)
	if !errors.Is(err, errs.ErrIndexTypeConflict) {
		t.Fatalf("err = %v, want ErrIndexTypeConflict", err)
	}
}

func TestValidateIndexTypeAgreementPasses(t *testing.T) {
	k := &kernelir.Kernel{IndexType: kernelir.IndexTypeInt64, Summary: &kernelir.Summary{}}
	if err := validateIndexType(k, nil, true); err != nil {
		t.Fatalf("validateIndexType = %v, want nil", err)
	}
}

func TestWrapRTCSourceNotesIndexType(t *testing.T) {
	src := wrapRTCSource("kernel body", kernelir.IndexTypeInt64)
	if src == "kernel body" {
		t.Fatalf("wrapRTCSource did not wrap the source")
	}
}

func TestCompileRTCAssignsDisjointNegativeIDs(t *testing.T) {
	x := newTestExecutor()
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		id := int(-x.nextRTCID.Add(1))
		if id >= 0 {
			t.Fatalf("rtc id %d is not negative", id)
		}
		if seen[id] {
			t.Fatalf("rtc id %d reused", id)
		}
		seen[id] = true
	}
}
