package bufalloc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/shapeinfer"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// writeBufferDriver is a gpudevice.Driver fake that only answers
// WriteBuffer, recording what it was called with; Close does nothing and
// every other method panics since fillNaN never reaches them.
type writeBufferDriver struct {
	gotBuf    hal.Buffer
	gotOffset uint64
	gotData   []byte
	err       error
}

func (d *writeBufferDriver) Device() hal.Device                    { panic("unexpected call") }
func (d *writeBufferDriver) Limits() gputypes.Limits                { panic("unexpected call") }
func (d *writeBufferDriver) Capability() kernelir.Capability        { panic("unexpected call") }
func (d *writeBufferDriver) AvailableDynamicSmemBytes() (int, error) { panic("unexpected call") }
func (d *writeBufferDriver) RaiseDynamicSmemAttribute(hal.ComputePipeline, int) error {
	panic("unexpected call")
}
func (d *writeBufferDriver) MaxResidentBlocksPerSM(int, int) (int, error) {
	panic("unexpected call")
}
func (d *writeBufferDriver) SMCount() int { panic("unexpected call") }
func (d *writeBufferDriver) CreateArgLayout(string, int) (hal.BindGroupLayout, hal.PipelineLayout, error) {
	panic("unexpected call")
}
func (d *writeBufferDriver) Dispatch(hal.ComputePipeline, hal.BindGroupLayout, []hal.Buffer, uint32, uint32, uint32) error {
	panic("unexpected call")
}
func (d *writeBufferDriver) WriteBuffer(buf hal.Buffer, offset uint64, data []byte) error {
	d.gotBuf = buf
	d.gotOffset = offset
	d.gotData = append([]byte(nil), data...)
	return d.err
}
func (d *writeBufferDriver) Close() {}

var _ gpudevice.Driver = (*writeBufferDriver)(nil)

func TestFillNaNWritesTypedSentinelPattern(t *testing.T) {
	info := &shapeinfer.AllocInfo{
		Sizes:   []int64{2},
		Strides: []int64{1},
		DType:   kernelir.DTypeFloat32,
	}
	tensor := &Tensor{Name: "out0", Info: info}
	driver := &writeBufferDriver{}
	a := New(driver, 0)

	if err := a.fillNaN(tensor, kernelir.DTypeFloat32); err != nil {
		t.Fatalf("fillNaN: %v", err)
	}

	wantSize := byteSize(info)
	if uint64(len(driver.gotData)) != wantSize {
		t.Fatalf("WriteBuffer got %d bytes, want %d", len(driver.gotData), wantSize)
	}
	if driver.gotOffset != 0 {
		t.Fatalf("WriteBuffer offset = %d, want 0", driver.gotOffset)
	}
	pattern, width, err := nanSentinel(kernelir.DTypeFloat32)
	if err != nil {
		t.Fatalf("nanSentinel: %v", err)
	}
	for i := 0; i < len(driver.gotData); i += width {
		got := uint64(binary.LittleEndian.Uint32(driver.gotData[i : i+width]))
		if got != pattern {
			t.Fatalf("byte %d: sentinel word = %#x, want %#x", i, got, pattern)
		}
	}
}

func TestFillNaNUnknownDtypeDoesNotWrite(t *testing.T) {
	tensor := &Tensor{Name: "out0", Info: &shapeinfer.AllocInfo{Sizes: []int64{1}, Strides: []int64{1}}}
	driver := &writeBufferDriver{}
	a := New(driver, 0)

	err := a.fillNaN(tensor, kernelir.DTypeUnknown)
	if !errors.Is(err, errs.ErrUnknownDtype) {
		t.Fatalf("fillNaN error = %v, want ErrUnknownDtype", err)
	}
	if driver.gotData != nil {
		t.Fatalf("WriteBuffer must not be called when the dtype has no sentinel")
	}
}

func TestByteSizeAlignsTo4Bytes(t *testing.T) {
	info := &shapeinfer.AllocInfo{
		Sizes:   []int64{3},
		Strides: []int64{1},
		DType:   kernelir.DTypeUint8,
	}
	if got := byteSize(info); got != 4 {
		t.Fatalf("byteSize = %d, want 4 (aligned up from 3)", got)
	}
}

func TestNanSentinelKnownDtypes(t *testing.T) {
	for _, dt := range []kernelir.DType{
		kernelir.DTypeFloat32, kernelir.DTypeFloat64, kernelir.DTypeInt32,
		kernelir.DTypeUint8, kernelir.DTypeBool,
	} {
		if _, _, err := nanSentinel(dt); err != nil {
			t.Fatalf("nanSentinel(%v): %v", dt, err)
		}
	}
}

func TestNanSentinelUnknownDtype(t *testing.T) {
	_, _, err := nanSentinel(kernelir.DTypeUnknown)
	if err == nil {
		t.Fatal("expected error for unknown dtype")
	}
	if !errors.Is(err, errs.ErrUnknownDtype) {
		t.Fatalf("expected ErrUnknownDtype, got %v", err)
	}
}

func TestElementCountSkipsExpandedDims(t *testing.T) {
	info := &shapeinfer.AllocInfo{
		Sizes:   []int64{5, 7},
		Strides: []int64{0, 1}, // dim 0 expanded
	}
	if got := info.ElementCount(); got != 7 {
		t.Fatalf("ElementCount = %d, want 7", got)
	}
}
