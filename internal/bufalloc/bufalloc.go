// Package bufalloc materialises fusion outputs and intermediate global
// buffers per the New/ReuseBuffer/Evaluate allocation modes (spec
// component 4.4).
package bufalloc

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/shapeinfer"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Tensor is a single materialised global buffer together with the
// layout the kernel expects to see it at.
//
// Handle stands in for a device pointer in the argument-buffer wire
// format (§6): hal.Buffer does not expose a raw address the way a CUDA
// driver's pointer does (see backend/native/adapter.go's handle-retrieval
// placeholder), so the launch engine addresses buffers by this
// allocation-order handle and binds them into the kernel's bind group at
// the matching index instead.
type Tensor struct {
	mu sync.RWMutex

	Name      string
	Info      *shapeinfer.AllocInfo
	Buffer    hal.Buffer
	Handle    uint64
	pooled    bool // returned to the zero pool on release rather than freed
	destroyed bool
}

// Destroyed reports whether Release has already run for this tensor.
func (t *Tensor) Destroyed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.destroyed
}

func byteSize(info *shapeinfer.AllocInfo) uint64 {
	n := info.ElementCount()
	sz := elemByteSize(info.DType)
	total := uint64(n) * uint64(sz)
	// align to 4 bytes, matching internal/gpu/buffer.go's CreateBuffer.
	if total%4 != 0 {
		total += 4 - total%4
	}
	return total
}

func elemByteSize(t kernelir.DType) int64 {
	switch t {
	case kernelir.DTypeBool, kernelir.DTypeInt8, kernelir.DTypeUint8:
		return 1
	case kernelir.DTypeInt16, kernelir.DTypeFloat16:
		return 2
	case kernelir.DTypeInt32, kernelir.DTypeFloat32:
		return 4
	case kernelir.DTypeInt64, kernelir.DTypeFloat64, kernelir.DTypeComplex64:
		return 8
	case kernelir.DTypeComplex128:
		return 16
	default:
		return 0
	}
}

// Allocator owns a zero pool and the device used to create raw buffers.
type Allocator struct {
	driver gpudevice.Driver
	pool   *ZeroPool

	nextHandle atomic.Uint64
}

// New creates an Allocator backed by driver, with a zero pool of the
// given per-bucket capacity (see ZeroPool).
func New(driver gpudevice.Driver, poolCapacity int) *Allocator {
	return &Allocator{driver: driver, pool: NewZeroPool(poolCapacity)}
}

func (a *Allocator) allocHandle() uint64 {
	return a.nextHandle.Add(1)
}

// AllocateOutput implements §4.4's three output allocation modes. ev is
// mutated: the materialised tensor is bound into it under tv.Name so
// later outputs can alias or evaluate against it.
func (a *Allocator) AllocateOutput(tv *kernelir.TensorView, ev kernelir.Evaluator, nanFill bool) (*Tensor, error) {
	switch tv.AllocMode {
	case kernelir.AllocNew:
		info, err := shapeinfer.Output(tv, ev)
		if err != nil {
			return nil, err
		}
		t, err := a.allocateRaw(tv.Name, info, false)
		if err != nil {
			return nil, err
		}
		if nanFill {
			if err := a.fillNaN(t, info.DType); err != nil {
				return nil, err
			}
		}
		ev.BindTensor(tv.Name, info.Sizes, info.Strides)
		return t, nil

	case kernelir.AllocReuseBuffer:
		sizes, strides, ok := ev.LookupTensor(tv.AliasTarget)
		if !ok {
			return nil, fmt.Errorf("%w: alias target %q not yet materialised", errs.ErrRankMismatch, tv.AliasTarget)
		}
		info := &shapeinfer.AllocInfo{Sizes: sizes, Strides: strides, DType: tv.DType}
		ev.BindTensor(tv.Name, sizes, strides)
		return &Tensor{Name: tv.Name, Info: info, Handle: a.allocHandle()}, nil

	case kernelir.AllocEvaluate:
		info, err := shapeinfer.Output(tv, ev)
		if err != nil {
			return nil, err
		}
		if tv.AliasTarget != "" {
			aliasSizes, _, ok := ev.LookupTensor(tv.AliasTarget)
			if !ok {
				return nil, fmt.Errorf("%w: evaluate-mode alias target %q not yet materialised", errs.ErrRankMismatch, tv.AliasTarget)
			}
			if len(aliasSizes) != len(info.Sizes) {
				return nil, fmt.Errorf("%w: evaluated output rank %d does not match alias target rank %d", errs.ErrRankMismatch, len(info.Sizes), len(aliasSizes))
			}
		}
		ev.BindTensor(tv.Name, info.Sizes, info.Strides)
		return &Tensor{Name: tv.Name, Info: info, Handle: a.allocHandle()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown allocation mode %d", errs.ErrRankMismatch, tv.AllocMode)
	}
}

// AllocateIntermediate implements the non-output half of §4.4: zero-init
// buffers come from the pool when eligible, others are allocated raw and
// optionally NaN-filled.
func (a *Allocator) AllocateIntermediate(tv *kernelir.TensorView, ev kernelir.Evaluator, poolZeroInit, nanFill bool) (*Tensor, error) {
	info, err := shapeinfer.Intermediate(tv, ev)
	if err != nil {
		return nil, err
	}

	useZeroInit := tv.ResetsToZero || poolZeroInit
	info.ZeroInit = useZeroInit

	// Expanded (zero-stride) dimensions must be allocated at their
	// unexpanded physical shape first, per §4.6 step 5.
	physSizes := make([]int64, len(info.Sizes))
	copy(physSizes, info.Sizes)
	hasExpanded := false
	for i, s := range info.Strides {
		if s == 0 {
			physSizes[i] = 1
			hasExpanded = true
		}
	}

	var t *Tensor
	if useZeroInit {
		t, err = a.allocateZeroed(tv.Name, info, physSizes)
	} else {
		t, err = a.allocateRaw(tv.Name, info, hasExpanded)
		if err == nil && nanFill {
			err = a.fillNaN(t, info.DType)
		}
	}
	if err != nil {
		return nil, err
	}

	ev.BindTensor(tv.Name, info.Sizes, info.Strides)
	return t, nil
}

func (a *Allocator) allocateRaw(name string, info *shapeinfer.AllocInfo, useLogicalShapeOnly bool) (*Tensor, error) {
	size := byteSize(info)
	desc := &hal.BufferDescriptor{
		Label: name,
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	}
	buf, err := a.driver.Device().CreateBuffer(desc)
	if err != nil {
		return nil, fmt.Errorf("bufalloc: create buffer %q: %w", name, err)
	}
	return &Tensor{Name: name, Info: info, Buffer: buf, Handle: a.allocHandle()}, nil
}

func (a *Allocator) allocateZeroed(name string, info *shapeinfer.AllocInfo, physSizes []int64) (*Tensor, error) {
	size := byteSize(info)
	buf, _, err := a.pool.Acquire(a.driver, name, size)
	if err != nil {
		return nil, err
	}
	// Every zero-init buffer goes back to the pool on Release, whether it
	// was reused from the pool or freshly created for this call.
	return &Tensor{Name: name, Info: info, Buffer: buf, pooled: true, Handle: a.allocHandle()}, nil
}

// Release returns a zero-init tensor's buffer to the pool, or destroys a
// raw buffer outright. Intermediates are released after each launch per
// §3 Lifecycles.
func (a *Allocator) Release(t *Tensor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed || t.Buffer == nil {
		t.destroyed = true
		return
	}
	if t.pooled {
		a.pool.Release(byteSize(t.Info), t.Buffer)
	} else {
		t.Buffer.Destroy()
	}
	t.destroyed = true
}

// nanSentinel returns the typed NaN-fill sentinel bit pattern for dtype,
// per §4.4's "NaN-fill is typed" rule.
func nanSentinel(dtype kernelir.DType) (uint64, int, error) {
	switch dtype {
	case kernelir.DTypeUint8:
		return 0xFF, 1, nil
	case kernelir.DTypeInt8:
		return uint64(int8(math.MaxInt8)) & 0xFF, 1, nil
	case kernelir.DTypeInt16:
		return uint64(uint16(math.MaxInt16)), 2, nil
	case kernelir.DTypeInt32:
		return uint64(uint32(math.MaxInt32)), 4, nil
	case kernelir.DTypeInt64:
		return uint64(math.MaxInt64), 8, nil
	case kernelir.DTypeBool:
		return 1, 1, nil
	case kernelir.DTypeFloat16:
		return 0x7E00, 2, nil // quiet NaN, IEEE-754 half precision
	case kernelir.DTypeFloat32:
		return uint64(math.Float32bits(float32(math.NaN()))), 4, nil
	case kernelir.DTypeFloat64:
		return math.Float64bits(math.NaN()), 8, nil
	case kernelir.DTypeComplex64:
		return uint64(math.Float32bits(float32(math.NaN()))), 4, nil
	case kernelir.DTypeComplex128:
		return math.Float64bits(math.NaN()), 8, nil
	default:
		return 0, 0, fmt.Errorf("%w: dtype %d", errs.ErrUnknownDtype, dtype)
	}
}

// fillNaN uploads dtype's NaN sentinel, repeated across t's full byte
// range, via the same queue.WriteBuffer path internal/gpu/vello_compute.go
// uses to stage storage-buffer contents.
func (a *Allocator) fillNaN(t *Tensor, dtype kernelir.DType) error {
	pattern, width, err := nanSentinel(dtype)
	if err != nil {
		return err
	}
	patBytes := make([]byte, width)
	switch width {
	case 1:
		patBytes[0] = byte(pattern)
	case 2:
		binary.LittleEndian.PutUint16(patBytes, uint16(pattern))
	case 4:
		binary.LittleEndian.PutUint32(patBytes, uint32(pattern))
	case 8:
		binary.LittleEndian.PutUint64(patBytes, pattern)
	}

	data := make([]byte, byteSize(t.Info))
	for i := range data {
		data[i] = patBytes[i%width]
	}
	if err := a.driver.WriteBuffer(t.Buffer, 0, data); err != nil {
		return fmt.Errorf("bufalloc: nan-fill %q: %w", t.Name, err)
	}
	return nil
}
