package kernelcompiler

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// compileToBinary runs the kernel's textual source through naga,
// producing the backend's binary representation, then converts the
// little-endian byte stream into the 32-bit word slice hal.ShaderModuleDescriptor
// expects. Grounded directly on internal/native/shader_helper.go's
// CompileShaderToSPIRV.
func compileToBinary(source string) ([]uint32, error) {
	raw, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("kernelcompiler: compile kernel source: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("kernelcompiler: compiled binary length %d is not word-aligned", len(raw))
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return words, nil
}

// createShaderModule uploads a compiled kernel binary to the device,
// mirroring internal/native/shader_helper.go's CreateShaderModule.
func createShaderModule(device hal.Device, label string, words []uint32) (hal.ShaderModule, error) {
	mod, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("kernelcompiler: create shader module %q: %w", label, err)
	}
	return mod, nil
}

// createComputePipeline creates the compute pipeline used to dispatch a
// compiled kernel, given its shader module and entry point.
func createComputePipeline(device hal.Device, label, entryPoint string, mod hal.ShaderModule, layout hal.PipelineLayout) (hal.ComputePipeline, error) {
	pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: layout,
		Compute: hal.ProgrammableStageDescriptor{
			Module:     mod,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kernelcompiler: create compute pipeline %q: %w", label, err)
	}
	return pipeline, nil
}

func warnExternalSourceMissing(path string) {
	gpudevice.Warn("kernelcompiler: EXTERNAL_SRC path unreadable, falling back to generated source", "path", path)
}
