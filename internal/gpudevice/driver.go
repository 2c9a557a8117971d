// Package gpudevice wraps the GPU driver/runtime primitives the fusion
// executor needs: instance/adapter/device/queue lifecycle, buffer and
// shader-module creation, and the occupancy/attribute queries the kernel
// compiler and launch engine depend on.
//
// The module-load and function-launch primitives this package wraps are
// named as an out-of-scope collaborator in the executor's own contract;
// Driver is the interface that collaborator must satisfy, and WGPUDriver
// is the concrete implementation backed by github.com/gogpu/wgpu.
package gpudevice

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/core"
	"github.com/gogpu/wgpu/hal"
)

// dispatchFenceTimeout bounds how long Dispatch waits for a launch to
// retire, mirroring internal/gpu/vello_compute.go's submitAndWait.
const dispatchFenceTimeout = 30 * time.Second

// Driver is the contract the launch engine and kernel compiler depend on
// for everything that touches the physical GPU. A fusion executor is
// built around exactly one Driver for its lifetime.
type Driver interface {
	// Device returns the low-level device handle used to create buffers,
	// shader modules, and pipelines.
	Device() hal.Device

	// Limits reports the device's resource limits (max shared memory,
	// max buffer size, and so on).
	Limits() gputypes.Limits

	// Capability reports the device's minimum-capability version, used
	// to reject kernels that require newer hardware (ErrDeviceTooOld).
	Capability() kernelir.Capability

	// AvailableDynamicSmemBytes returns the dynamic shared-memory budget
	// currently available to a single launch, queried once and cached by
	// the caller (internal/kernelcompiler).
	AvailableDynamicSmemBytes() (int, error)

	// RaiseDynamicSmemAttribute ensures the given compute pipeline may
	// request at least wantBytes of dynamic shared memory at launch.
	//
	// approximated: WebGPU has no per-pipeline dynamic-shared-memory
	// attribute call the way CUDA's cuFuncSetAttribute does; compute
	// pipelines declare their workgroup storage at creation time. This
	// validates wantBytes against Limits() and is a no-op otherwise,
	// documented here rather than silently ignored.
	RaiseDynamicSmemAttribute(pipeline hal.ComputePipeline, wantBytes int) error

	// MaxResidentBlocksPerSM reports how many blocks of the given size
	// and dynamic-shared-memory footprint can be simultaneously resident
	// on one streaming multiprocessor, for cooperative-launch validation.
	//
	// approximated: derived from Limits().MaxComputeWorkgroupStorageSize
	// and a conservative per-SM thread budget; there is no WebGPU query
	// for true occupancy the way cuOccupancyMaxActiveBlocksPerMultiprocessor
	// provides.
	MaxResidentBlocksPerSM(blockSize, dynamicSmemBytes int) (int, error)

	// SMCount reports the number of streaming multiprocessors (or their
	// backend equivalent) on the device.
	//
	// approximated: WebGPU exposes no SM count; this returns a fixed
	// conservative estimate unless an override is configured.
	SMCount() int

	// CreateArgLayout builds the bind-group and pipeline layout for a
	// kernel with the given number of global-buffer parameters, each
	// bound as a storage buffer at its parameter index.
	CreateArgLayout(label string, numBuffers int) (hal.BindGroupLayout, hal.PipelineLayout, error)

	// Dispatch records and submits one compute launch: it binds buffers
	// at sequential indices into a fresh bind group, then issues a single
	// compute pass of gridX*gridY*gridZ workgroups against pipeline.
	Dispatch(pipeline hal.ComputePipeline, bgLayout hal.BindGroupLayout, buffers []hal.Buffer, gridX, gridY, gridZ uint32) error

	// WriteBuffer uploads data to buf at the given byte offset, queued on
	// the device's submission queue.
	WriteBuffer(buf hal.Buffer, offset uint64, data []byte) error

	// Close releases the device, adapter, and instance in reverse order
	// of acquisition.
	Close()
}

// WGPUDriver is the default Driver, backed by github.com/gogpu/wgpu.
type WGPUDriver struct {
	mu sync.RWMutex

	instance *core.Instance
	adapter  core.AdapterID
	device   core.DeviceID
	queue    core.QueueID
	halDev   hal.Device
	halQueue hal.Queue

	limits      gputypes.Limits
	capability  kernelir.Capability
	smCountOverride int

	initialized bool
}

// NewWGPUDriver acquires an instance, a high-performance adapter, a
// device, and its queue, in that order -- the same sequence
// internal/gpu/backend.go's Backend.Init follows.
func NewWGPUDriver(label string) (*WGPUDriver, error) {
	d := &WGPUDriver{}

	desc := &gputypes.InstanceDescriptor{
		Backends: gputypes.BackendsPrimary,
		Flags:    0,
	}
	d.instance = core.NewInstance(desc)

	adapterID, err := d.instance.RequestAdapter(&gputypes.RequestAdapterOptions{
		PowerPreference: gputypes.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("gpudevice: request adapter: %w", err)
	}
	d.adapter = adapterID

	logger().Info("gpudevice: adapter acquired")

	deviceID, err := core.RequestDevice(adapterID, &gputypes.DeviceDescriptor{
		Label:          label,
		RequiredLimits: gputypes.DefaultLimits(),
	})
	if err != nil {
		return nil, fmt.Errorf("gpudevice: create device: %w", err)
	}
	d.device = deviceID

	queueID, err := core.GetDeviceQueue(deviceID)
	if err != nil {
		_ = core.DeviceDrop(deviceID)
		return nil, fmt.Errorf("gpudevice: get device queue: %w", err)
	}
	d.queue = queueID

	limits, err := core.GetDeviceLimits(deviceID)
	if err != nil {
		_ = core.DeviceDrop(deviceID)
		return nil, fmt.Errorf("gpudevice: get device limits: %w", err)
	}
	d.limits = limits

	d.halDev = hal.WrapDevice(deviceID, queueID)
	d.halQueue = hal.WrapQueue(deviceID, queueID)
	d.capability = capabilityFromLimits(limits)
	d.smCountOverride = 0
	d.initialized = true

	return d, nil
}

// capabilityFromLimits derives a coarse capability version from device
// limits, since WebGPU has no direct capability-version query.
//
// approximated: this is a monotonic proxy (richer limits imply a newer
// capability), not a real hardware version; it exists only so
// ErrDeviceTooOld has something meaningful to compare against.
func capabilityFromLimits(l gputypes.Limits) kernelir.Capability {
	switch {
	case l.MaxComputeWorkgroupStorageSize >= 64*1024:
		return kernelir.Capability{Major: 9, Minor: 0}
	case l.MaxComputeWorkgroupStorageSize >= 48*1024:
		return kernelir.Capability{Major: 8, Minor: 0}
	default:
		return kernelir.Capability{Major: 7, Minor: 0}
	}
}

func (d *WGPUDriver) Device() hal.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.halDev
}

func (d *WGPUDriver) Limits() gputypes.Limits {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits
}

func (d *WGPUDriver) Capability() kernelir.Capability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.capability
}

func (d *WGPUDriver) AvailableDynamicSmemBytes() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.initialized {
		return 0, fmt.Errorf("gpudevice: driver not initialized")
	}
	return int(d.limits.MaxComputeWorkgroupStorageSize), nil
}

func (d *WGPUDriver) RaiseDynamicSmemAttribute(pipeline hal.ComputePipeline, wantBytes int) error {
	d.mu.RLock()
	limit := int(d.limits.MaxComputeWorkgroupStorageSize)
	d.mu.RUnlock()
	if wantBytes > limit {
		return fmt.Errorf("gpudevice: dynamic shared memory %d exceeds device limit %d", wantBytes, limit)
	}
	return nil
}

func (d *WGPUDriver) MaxResidentBlocksPerSM(blockSize, dynamicSmemBytes int) (int, error) {
	if blockSize <= 0 {
		return 0, fmt.Errorf("gpudevice: invalid block size %d", blockSize)
	}
	d.mu.RLock()
	maxThreadsPerSM := 2048 // approximated: typical desktop-GPU occupancy budget
	smem := int(d.limits.MaxComputeWorkgroupStorageSize)
	d.mu.RUnlock()

	byThreads := maxThreadsPerSM / blockSize
	if byThreads < 1 {
		byThreads = 0
	}
	bySmem := byThreads
	if dynamicSmemBytes > 0 && smem > 0 {
		bySmem = smem / dynamicSmemBytes
	}
	if bySmem < byThreads {
		return bySmem, nil
	}
	return byThreads, nil
}

func (d *WGPUDriver) SMCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.smCountOverride > 0 {
		return d.smCountOverride
	}
	return 16 // approximated: conservative default absent a real query
}

// CreateArgLayout builds a bind group layout with one storage-buffer
// entry per parameter and the pipeline layout wrapping it, mirroring
// backend/native/gpu_flatten.go's createBindGroupLayouts/createPipelineLayout,
// collapsed to a single bind group since the launch engine addresses
// every kernel parameter by flat index rather than input/output groups.
func (d *WGPUDriver) CreateArgLayout(label string, numBuffers int) (hal.BindGroupLayout, hal.PipelineLayout, error) {
	dev := d.Device()

	entries := make([]hal.BindGroupLayoutEntry, numBuffers)
	for i := range entries {
		entries[i] = hal.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: hal.ShaderStageCompute,
			Buffer:     &hal.BufferBindingLayout{Type: hal.BufferBindingTypeStorage},
		}
	}

	bgLayout, err := dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gpudevice: create bind group layout %q: %w", label, err)
	}

	pLayout, err := dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gpudevice: create pipeline layout %q: %w", label, err)
	}
	return bgLayout, pLayout, nil
}

// Dispatch implements a single compute launch, grounded on
// internal/gpu/vello_compute.go's encodeComputeStages/submitAndWait: one
// bind group covering every buffer at its flat index, one compute pass,
// then a submit-and-wait on a fence.
func (d *WGPUDriver) Dispatch(pipeline hal.ComputePipeline, bgLayout hal.BindGroupLayout, buffers []hal.Buffer, gridX, gridY, gridZ uint32) error {
	dev := d.Device()

	entries := make([]hal.BindGroupEntry, len(buffers))
	for i, b := range buffers {
		entries[i] = hal.BindGroupEntry{Binding: uint32(i), Buffer: b}
	}
	bg, err := dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "fuser_launch_bg",
		Layout:  bgLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("gpudevice: create bind group: %w", err)
	}

	encoder, err := dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "fuser_launch"})
	if err != nil {
		return fmt.Errorf("gpudevice: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("fuser_launch"); err != nil {
		return fmt.Errorf("gpudevice: begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "fuser_launch"})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(gridX, gridY, gridZ)
	pass.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpudevice: end encoding: %w", err)
	}

	fence, err := dev.CreateFence()
	if err != nil {
		return fmt.Errorf("gpudevice: create fence: %w", err)
	}
	d.mu.RLock()
	queue := d.halQueue
	d.mu.RUnlock()
	if err := queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("gpudevice: submit: %w", err)
	}
	ok, err := dev.Wait(fence, 1, dispatchFenceTimeout)
	if err != nil {
		return fmt.Errorf("gpudevice: wait for launch: %w", err)
	}
	if !ok {
		return fmt.Errorf("gpudevice: launch timed out after %v", dispatchFenceTimeout)
	}
	return nil
}

// WriteBuffer uploads data to buf at offset on the device's queue, the same
// path internal/gpu/vello_compute.go uses to stage uniform and storage data.
func (d *WGPUDriver) WriteBuffer(buf hal.Buffer, offset uint64, data []byte) error {
	d.mu.RLock()
	queue := d.halQueue
	d.mu.RUnlock()
	if err := queue.WriteBuffer(buf, offset, data); err != nil {
		return fmt.Errorf("gpudevice: write buffer: %w", err)
	}
	return nil
}

// SetSMCountOverride lets a caller supply a real SM count when it is
// known out of band.
func (d *WGPUDriver) SetSMCountOverride(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smCountOverride = n
}

func (d *WGPUDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return
	}

	if !d.device.IsZero() {
		if err := core.DeviceDrop(d.device); err != nil {
			logger().Warn("gpudevice: error releasing device", "error", err)
		}
		d.device = core.DeviceID{}
	}
	if !d.adapter.IsZero() {
		if err := core.AdapterDrop(d.adapter); err != nil {
			logger().Warn("gpudevice: error releasing adapter", "error", err)
		}
		d.adapter = core.AdapterID{}
	}

	d.instance = nil
	d.queue = core.QueueID{}
	d.halDev = nil
	d.halQueue = nil
	d.initialized = false
}
