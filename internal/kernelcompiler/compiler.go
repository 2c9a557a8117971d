// Package kernelcompiler holds a kernel's generated source and compiled
// artefact, and implements the high-water-mark recompilation rule and
// cooperative-launch occupancy validation (spec component 4.5).
package kernelcompiler

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/wgpu/hal"
)

// CompileParams are the caller-supplied compile-time knobs that can
// force a recompile: the requested block size and register ceiling.
type CompileParams struct {
	BlockSize       int
	RegisterCeiling int
}

// Artifact is the spec's "Compiled Kernel": the device-resident result
// of one compilation.
type Artifact struct {
	Pipeline        hal.ComputePipeline
	Module          hal.ShaderModule
	BlockSize       int
	RegisterCeiling int
	Name            string

	// Binary is the compiled SPIR-V word stream, retained so the
	// persisted-state path (§6) can reload a pipeline without rerunning
	// naga when the binary is still valid for the current device.
	Binary []uint32
}

// Compiler owns one kernel's source, its current artefact, and the
// per-instance high-water marks the recompile rule depends on. Grounded
// on backend/native/pipeline_cache_core.go's double-checked-locking
// PipelineCacheCore, specialised to a single cached entry instead of a
// descriptor-hash map, since §4.5 keeps exactly one artefact per kernel.
type Compiler struct {
	mu sync.RWMutex

	driver gpudevice.Driver
	kernel *kernelir.Kernel
	layout hal.PipelineLayout

	source string // structured source: typedefs + index typedef + body

	artifact *Artifact

	maxBlockSize       int
	maxRegisterCeiling int

	cachedAvailSmem int
	cachedStaticSmem int
	smemCacheValid  bool
}

// New creates a Compiler for kernel, resolving EXTERNAL_SRC overrides
// (§6) and falling back to the kernel's generated source with a warning
// on a miss.
func New(driver gpudevice.Driver, layout hal.PipelineLayout, kernel *kernelir.Kernel) *Compiler {
	c := &Compiler{
		driver: driver,
		kernel: kernel,
		layout: layout,
		source: resolveSource(kernel),
	}
	return c
}

// resolveSource implements the EXTERNAL_SRC env var: a comma-separated
// list of paths, where the n-th path replaces the generated source for
// the n-th fusion (kernel.ID indexes into it). A missing or empty path
// falls back to the generated source with a warning. Kernels with a
// negative ID (runtime-compiled kernels) always use their own source.
func resolveSource(kernel *kernelir.Kernel) string {
	paths := os.Getenv("EXTERNAL_SRC")
	if paths == "" {
		return kernel.Source
	}
	parts := strings.Split(paths, ",")
	if kernel.ID < 0 {
		return kernel.Source
	}
	if kernel.ID >= len(parts) || parts[kernel.ID] == "" {
		warnExternalSourceMissing("")
		return kernel.Source
	}
	data, err := os.ReadFile(parts[kernel.ID])
	if err != nil {
		warnExternalSourceMissing(parts[kernel.ID])
		return kernel.Source
	}
	return string(data)
}

// EnsureCompiled implements the §4.5 recompile rule: recompile iff the
// requested block size exceeds the stored high-water mark, or the
// requested register ceiling differs from the stored one. On recompile
// both high-water marks are updated and the cached shared-memory query
// values are invalidated.
func (c *Compiler) EnsureCompiled(params CompileParams) (*Artifact, error) {
	c.mu.RLock()
	needsRecompile := c.artifact == nil ||
		params.BlockSize > c.maxBlockSize ||
		params.RegisterCeiling != c.maxRegisterCeiling
	if !needsRecompile {
		a := c.artifact
		c.mu.RUnlock()
		return a, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check: another caller may have recompiled while we waited
	// for the write lock.
	if c.artifact != nil && params.BlockSize <= c.maxBlockSize && params.RegisterCeiling == c.maxRegisterCeiling {
		return c.artifact, nil
	}

	artifact, err := c.compileLocked(params)
	if err != nil {
		return nil, err
	}

	c.artifact = artifact
	if params.BlockSize > c.maxBlockSize {
		c.maxBlockSize = params.BlockSize
	}
	c.maxRegisterCeiling = params.RegisterCeiling
	c.smemCacheValid = false

	return artifact, nil
}

func (c *Compiler) compileLocked(params CompileParams) (*Artifact, error) {
	if c.kernel.Summary.HasDynamicLocalAlloc {
		return nil, errs.ErrDynamicLocalAllocation
	}

	words, err := compileToBinary(c.source)
	if err != nil {
		return nil, err
	}
	mod, err := createShaderModule(c.driver.Device(), c.kernel.Name, words)
	if err != nil {
		return nil, err
	}
	pipeline, err := createComputePipeline(c.driver.Device(), c.kernel.Name, "main", mod, c.layout)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Pipeline:        pipeline,
		Module:          mod,
		BlockSize:       params.BlockSize,
		RegisterCeiling: params.RegisterCeiling,
		Name:            c.kernel.Name,
		Binary:          words,
	}, nil
}

// RestoreArtifact reloads a shader module and pipeline directly from a
// previously compiled binary, skipping naga, for the persisted-state
// deserialization path (§6). The caller is responsible for having
// checked the binary is still valid for the current device/driver
// version; RestoreArtifact does not re-validate that.
func (c *Compiler) RestoreArtifact(words []uint32, blockSize, registerCeiling int) (*Artifact, error) {
	mod, err := createShaderModule(c.driver.Device(), c.kernel.Name, words)
	if err != nil {
		return nil, err
	}
	pipeline, err := createComputePipeline(c.driver.Device(), c.kernel.Name, "main", mod, c.layout)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Pipeline:        pipeline,
		Module:          mod,
		BlockSize:       blockSize,
		RegisterCeiling: registerCeiling,
		Name:            c.kernel.Name,
		Binary:          words,
	}

	c.mu.Lock()
	c.artifact = artifact
	if blockSize > c.maxBlockSize {
		c.maxBlockSize = blockSize
	}
	c.maxRegisterCeiling = registerCeiling
	c.smemCacheValid = false
	c.mu.Unlock()

	return artifact, nil
}

// AvailableDynamicSmem queries (and caches) the device's available
// dynamic shared-memory budget, invalidated on every recompile.
func (c *Compiler) AvailableDynamicSmem() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.smemCacheValid {
		return c.cachedAvailSmem, nil
	}
	avail, err := c.driver.AvailableDynamicSmemBytes()
	if err != nil {
		return 0, err
	}
	c.cachedAvailSmem = avail
	c.smemCacheValid = true
	return avail, nil
}

// ValidateSmem checks static+dynamic shared memory against the cached
// device limit, then raises the function's dynamic-shared-memory
// attribute when the request exceeds the previously cached value (§4.5
// "Dynamic shared-memory lifecycle").
func (c *Compiler) ValidateSmem(artifact *Artifact, staticBytes, dynamicBytes int) error {
	avail, err := c.AvailableDynamicSmem()
	if err != nil {
		return err
	}
	if staticBytes+dynamicBytes > avail {
		return fmt.Errorf("%w: static %d + dynamic %d exceeds device limit %d", errs.ErrSharedMemoryExceeded, staticBytes, dynamicBytes, avail)
	}
	if dynamicBytes > avail {
		if err := c.driver.RaiseDynamicSmemAttribute(artifact.Pipeline, dynamicBytes); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrSharedMemoryExceeded, err)
		}
		c.mu.Lock()
		c.cachedAvailSmem = dynamicBytes
		c.mu.Unlock()
	}
	return nil
}

// ValidateCooperative implements §4.5's cooperative-launch check: query
// resident blocks per SM at this block size and dynamic smem, multiply
// by SM count, and require it to cover gridSize.
func (c *Compiler) ValidateCooperative(artifact *Artifact, blockSize, dynamicSmemBytes int, gridSize int64) error {
	if !c.kernel.Summary.HasCooperativeGridReduction {
		return nil
	}
	if err := c.driver.RaiseDynamicSmemAttribute(artifact.Pipeline, dynamicSmemBytes); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCooperativeTooLarge, err)
	}
	perSM, err := c.driver.MaxResidentBlocksPerSM(blockSize, dynamicSmemBytes)
	if err != nil {
		return err
	}
	capacity := int64(perSM) * int64(c.driver.SMCount())
	if capacity < gridSize {
		return fmt.Errorf("%w: grid size %d exceeds resident capacity %d", errs.ErrCooperativeTooLarge, gridSize, capacity)
	}
	return nil
}

// CurrentArtifact returns the compiler's current artefact, or nil if it
// has never compiled.
func (c *Compiler) CurrentArtifact() *Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.artifact
}

// HighWaterMarks returns the current (blockSize, registerCeiling)
// high-water state, mainly for tests and debug dumps.
func (c *Compiler) HighWaterMarks() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBlockSize, c.maxRegisterCeiling
}
