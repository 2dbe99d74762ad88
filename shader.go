package sched

import (
	"errors"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/sched/hal"
)

// ErrEmptyShader is returned when a shader descriptor carries no
// representation at all.
var ErrEmptyShader = errors.New("sched: shader has no WGSL, SPIR-V, or kernel")

// ComputeShaderDesc describes a compute shader to register.
// At least one representation must be set. WGSL is compiled to SPIR-V
// on demand for backends that consume it; Kernel serves the software
// backend.
type ComputeShaderDesc struct {
	Name       string
	EntryPoint string

	WGSL   string
	SPIRV  []uint32
	Kernel hal.Kernel
}

type shaderInfo struct {
	desc     hal.ShaderDesc
	id       hal.ShaderID
	resolved bool
}

// spirvConsumer is implemented by backends that ingest SPIR-V rather
// than WGSL source. The device compiles WGSL through naga only for
// those backends.
type spirvConsumer interface {
	ConsumesSPIRV() bool
}

// CreateComputeShader registers a compute shader and returns its
// handle. Backend compilation is deferred to the shader's first
// dispatch.
func (d *Device) CreateComputeShader(desc *ComputeShaderDesc) (ShaderHandle, error) {
	if desc.WGSL == "" && len(desc.SPIRV) == 0 && desc.Kernel == nil {
		return ShaderHandle{}, ErrEmptyShader
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	d.shaderMu.Lock()
	defer d.shaderMu.Unlock()
	h := d.shaders.allocate(shaderInfo{
		desc: hal.ShaderDesc{
			Label:      desc.Name,
			EntryPoint: entry,
			WGSL:       desc.WGSL,
			SPIRV:      desc.SPIRV,
			Kernel:     desc.Kernel,
		},
	})
	return ShaderHandle{h}, nil
}

// ReleaseShader destroys a shader. Stale handles are ignored.
func (d *Device) ReleaseShader(h ShaderHandle) {
	d.shaderMu.Lock()
	defer d.shaderMu.Unlock()
	info := d.shaders.lookup(h.Handle)
	if info == nil {
		Logger().Warn("sched: release of stale shader handle")
		return
	}
	if info.resolved {
		d.backend.DestroyShader(info.id)
	}
	d.shaders.release(h.Handle)
}

// resolveShader returns the backend shader for h, compiling and
// creating it on first use.
func (d *Device) resolveShader(h ShaderHandle) (hal.ShaderID, error) {
	d.shaderMu.Lock()
	defer d.shaderMu.Unlock()

	info := d.shaders.lookup(h.Handle)
	if info == nil {
		return hal.InvalidID, fmt.Errorf("sched: dispatch references unknown shader id %d", h.idx)
	}
	if info.resolved {
		return info.id, nil
	}

	if len(info.desc.SPIRV) == 0 && info.desc.WGSL != "" && consumesSPIRV(d.backend) {
		words, err := compileWGSL(info.desc.WGSL)
		if err != nil {
			return hal.InvalidID, fmt.Errorf("sched: shader %q: %w", info.desc.Label, err)
		}
		info.desc.SPIRV = words
	}

	id, err := d.backend.CreateShader(&info.desc)
	if err != nil {
		return hal.InvalidID, fmt.Errorf("sched: shader %q: %w", info.desc.Label, err)
	}
	info.id = id
	info.resolved = true
	return id, nil
}

func consumesSPIRV(b hal.Backend) bool {
	if c, ok := b.(spirvConsumer); ok {
		return c.ConsumesSPIRV()
	}
	return false
}

// compileWGSL compiles WGSL source to SPIR-V words.
// SPIR-V is little-endian 32-bit words.
func compileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader compilation failed: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// releaseAllShaders destroys every resolved shader at device teardown.
func (d *Device) releaseAllShaders() {
	d.shaderMu.Lock()
	defer d.shaderMu.Unlock()
	d.shaders.forEach(func(h Handle, info *shaderInfo) {
		if info.resolved {
			d.backend.DestroyShader(info.id)
		}
	})
	d.shaders = container[shaderInfo]{}
}
