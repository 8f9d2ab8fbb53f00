package wgpu

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/omm/gpucore"
	"github.com/gogpu/omm/internal/cache"
	"github.com/gogpu/omm/texture"
)

//go:embed bake.wgsl
var bakeShaderWGSL string

const (
	bakeWorkgroupSize = 256
	bakeConfigSize    = 48

	// tapsNoTexcoords tells the shader a triangle has no texture
	// coordinates and must be classified conservatively.
	tapsNoTexcoords = ^uint32(0)

	// maxAlphaUploads bounds the number of cached per-texture alpha
	// buffers. Past this the least recently baked texture is dropped.
	maxAlphaUploads = 64
)

type alphaUpload struct {
	buf    hal.Buffer
	width  uint32
	height uint32
	size   uint64
}

// opacityBaker owns the bake compute pipeline and the per-texture alpha
// uploads it samples from.
type opacityBaker struct {
	module       hal.ShaderModule
	inputLayout  hal.BindGroupLayout
	outputLayout hal.BindGroupLayout
	layout       hal.PipelineLayout
	pipeline     hal.ComputePipeline

	// dummy is bound to alpha slots with no texture.
	dummy hal.Buffer

	alpha *cache.Cache[uint32, *alphaUpload]
}

func newOpacityBaker(device hal.Device) (*opacityBaker, error) {
	spirvBytes, err := naga.Compile(bakeShaderWGSL)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	b := &opacityBaker{}
	b.alpha = cache.New(maxAlphaUploads, func(_ uint32, a *alphaUpload) {
		device.DestroyBuffer(a.buf)
	})

	b.module, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "omm_bake",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module: %w", err)
	}

	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	b.inputLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "omm_bake_input",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer: &gputypes.BufferBindingLayout{
					Type:           gputypes.BufferBindingTypeUniform,
					MinBindingSize: bakeConfigSize,
				},
			},
			storageRO(1),
			storageRO(2),
			storageRO(3),
			storageRO(4),
		},
	})
	if err != nil {
		b.destroy(device)
		return nil, fmt.Errorf("create input layout: %w", err)
	}

	b.outputLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "omm_bake_output",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
			},
		},
	})
	if err != nil {
		b.destroy(device)
		return nil, fmt.Errorf("create output layout: %w", err)
	}

	b.layout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "omm_bake_layout",
		BindGroupLayouts: []hal.BindGroupLayout{b.inputLayout, b.outputLayout},
	})
	if err != nil {
		b.destroy(device)
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	b.pipeline, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "omm_bake",
		Layout: b.layout,
		Compute: hal.ComputeState{
			Module:     b.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		b.destroy(device)
		return nil, fmt.Errorf("create compute pipeline: %w", err)
	}

	b.dummy, err = device.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_bake_dummy",
		Size:  16,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		b.destroy(device)
		return nil, fmt.Errorf("create dummy buffer: %w", err)
	}

	return b, nil
}

func (b *opacityBaker) destroy(device hal.Device) {
	if b.alpha != nil {
		b.alpha.Clear()
	}
	if b.dummy != nil {
		device.DestroyBuffer(b.dummy)
		b.dummy = nil
	}
	if b.pipeline != nil {
		device.DestroyComputePipeline(b.pipeline)
		b.pipeline = nil
	}
	if b.layout != nil {
		device.DestroyPipelineLayout(b.layout)
		b.layout = nil
	}
	if b.outputLayout != nil {
		device.DestroyBindGroupLayout(b.outputLayout)
		b.outputLayout = nil
	}
	if b.inputLayout != nil {
		device.DestroyBindGroupLayout(b.inputLayout)
		b.inputLayout = nil
	}
	if b.module != nil {
		device.DestroyShaderModule(b.module)
		b.module = nil
	}
}

// ensureAlpha uploads mip 0 alpha of the given registry texture as a packed
// byte buffer, caching the upload for reuse across dispatches.
func (b *opacityBaker) ensureAlpha(device hal.Device, queue hal.Queue, textures *texture.Registry, index uint32) (*alphaUpload, error) {
	if index == gpucore.InvalidTextureIndex || textures == nil {
		return nil, nil
	}
	if a, ok := b.alpha.Get(index); ok {
		return a, nil
	}
	src := textures.Get(index)
	if src == nil {
		return nil, nil
	}

	w, h := src.MipSize(0)
	packed := make([]byte, alignUp(uint64(w)*uint64(h), 4))
	for y := uint32(0); y < h; y++ {
		v := (float32(y) + 0.5) / float32(h)
		for x := uint32(0); x < w; x++ {
			u := (float32(x) + 0.5) / float32(w)
			alpha := src.SampleAlpha(u, v, 0)
			packed[y*w+x] = byte(math.Round(float64(alpha) * 255))
		}
	}

	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_alpha",
		Size:  uint64(len(packed)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("upload alpha %q: %w", src.Label(), err)
	}
	queue.WriteBuffer(buf, 0, packed)

	a := &alphaUpload{buf: buf, width: w, height: h, size: uint64(len(packed))}
	b.alpha.Put(index, a)
	return a, nil
}

// InvalidateTexture drops the cached alpha upload of a registry texture.
// Call it when the texture's contents change, e.g. after streaming in a
// higher mip.
func (d *Device) InvalidateTexture(index uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.baker.alpha.Delete(index); ok {
		d.device.DestroyBuffer(a.buf)
	}
}

// DispatchBakeOpacity plans a budget-limited micro-triangle range on the
// CPU, uploads the range's texture coordinates and tap counts, and runs the
// bake compute shader over it. The dispatch submits and waits for the
// submission to complete, so the baked array is ready when it returns.
func (d *Device) DispatchBakeOpacity(desc *gpucore.BakeDesc, state *gpucore.BakeState, budget uint32, dst gpucore.BufferID) (uint32, error) {
	d.mu.RLock()
	dstBuf, ok := d.buffers[dst]
	d.mu.RUnlock()
	if !ok {
		return 0, ErrBufferNotFound
	}

	perTriangle := gpucore.MicroTrianglesPerTriangle(desc.SubdivisionLevel)
	if state.MicroTrianglesToBake == 0 {
		state.MicroTrianglesToBake = desc.TriangleCount * perTriangle
	}
	state.BakedLastDispatch = 0
	if budget == 0 {
		return 0, nil
	}

	count, consumed := planBakeRange(desc, state, budget, perTriangle)
	if count == 0 {
		return 0, nil
	}

	primary, err := d.baker.ensureAlpha(d.device, d.queue, d.textures, desc.OpacityTexture)
	if err != nil {
		return 0, err
	}
	secondary, err := d.baker.ensureAlpha(d.device, d.queue, d.textures, desc.SecondaryOpacityTexture)
	if err != nil {
		return 0, err
	}

	texcoords, taps := packTriangleInputs(desc)
	config := packBakeConfig(desc, state.MicroTrianglesBaked, count, perTriangle, primary, secondary)

	if err := d.runBakeDispatch(dstBuf, config, texcoords, taps, primary, secondary, count); err != nil {
		return 0, err
	}

	state.MicroTrianglesBaked += count
	state.BakedLastDispatch = count
	return uint32(math.Ceil(consumed)), nil
}

// planBakeRange walks micro-triangles from the resume point, accumulating
// each one's tap-weighted cost until the budget is exhausted. At least one
// micro-triangle is planned so multi-frame bakes always make progress.
func planBakeRange(desc *gpucore.BakeDesc, state *gpucore.BakeState, budget, perTriangle uint32) (count uint32, consumed float64) {
	for g := state.MicroTrianglesBaked; g < state.MicroTrianglesToBake; g++ {
		tri := g / perTriangle
		taps := uint32(1)
		if idx := desc.TriangleOffset + tri; int(idx) < len(desc.TexelsPerMicroTriangle) {
			taps = uint32(desc.TexelsPerMicroTriangle[idx])
		}
		cost := 1.0
		if taps > 1 {
			cost += float64(taps-1) * float64(desc.CostPerExtraTexelTap)
		}
		if count > 0 && consumed+cost > float64(budget) {
			break
		}
		consumed += cost
		count++
	}
	return count, consumed
}

// packTriangleInputs serializes per-triangle texture coordinates and tap
// counts for the whole bake range.
func packTriangleInputs(desc *gpucore.BakeDesc) (texcoords, taps []byte) {
	texcoords = make([]byte, desc.TriangleCount*6*4)
	taps = make([]byte, desc.TriangleCount*4)
	for i := uint32(0); i < desc.TriangleCount; i++ {
		global := desc.TriangleOffset + i

		t := uint32(1)
		if int(global) < len(desc.TexelsPerMicroTriangle) {
			t = uint32(desc.TexelsPerMicroTriangle[global])
		}

		uv, ok := desc.Texcoords.TriangleTexcoords(global)
		if !ok {
			t = tapsNoTexcoords
		}
		binary.LittleEndian.PutUint32(taps[i*4:], t)

		base := i * 24
		for v := 0; v < 3; v++ {
			binary.LittleEndian.PutUint32(texcoords[base+uint32(v)*8:], math.Float32bits(uv[v][0]))
			binary.LittleEndian.PutUint32(texcoords[base+uint32(v)*8+4:], math.Float32bits(uv[v][1]))
		}
	}
	return texcoords, taps
}

func packBakeConfig(desc *gpucore.BakeDesc, first, count, perTriangle uint32, primary, secondary *alphaUpload) []byte {
	var texW, texH, tex2W, tex2H, hasSecondary uint32
	if primary != nil {
		texW, texH = primary.width, primary.height
	}
	if secondary != nil {
		tex2W, tex2H = secondary.width, secondary.height
		hasSecondary = 1
	}

	buf := make([]byte, bakeConfigSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], first)
	le.PutUint32(buf[4:], count)
	le.PutUint32(buf[8:], perTriangle)
	le.PutUint32(buf[12:], desc.Format.Bits())
	le.PutUint32(buf[16:], uint32(1)<<desc.SubdivisionLevel)
	le.PutUint32(buf[20:], hasSecondary)
	le.PutUint32(buf[24:], texW)
	le.PutUint32(buf[28:], texH)
	le.PutUint32(buf[32:], tex2W)
	le.PutUint32(buf[36:], tex2H)
	le.PutUint32(buf[40:], math.Float32bits(desc.TransparencyThreshold))
	le.PutUint32(buf[44:], math.Float32bits(desc.OpaquenessThreshold))
	return buf
}

func (d *Device) runBakeDispatch(dst *trackedBuffer, config, texcoords, taps []byte, primary, secondary *alphaUpload, count uint32) error {
	configBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_bake_config",
		Size:  uint64(len(config)),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create config buffer: %w", err)
	}
	defer d.device.DestroyBuffer(configBuf)

	texcoordBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_bake_texcoords",
		Size:  uint64(len(texcoords)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create texcoord buffer: %w", err)
	}
	defer d.device.DestroyBuffer(texcoordBuf)

	tapsBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_bake_taps",
		Size:  uint64(len(taps)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create taps buffer: %w", err)
	}
	defer d.device.DestroyBuffer(tapsBuf)

	d.queue.WriteBuffer(configBuf, 0, config)
	d.queue.WriteBuffer(texcoordBuf, 0, texcoords)
	d.queue.WriteBuffer(tapsBuf, 0, taps)

	alphaEntry := func(binding uint32, a *alphaUpload) gputypes.BindGroupEntry {
		buf, size := d.baker.dummy, uint64(16)
		if a != nil {
			buf, size = a.buf, a.size
		}
		return gputypes.BindGroupEntry{
			Binding:  binding,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size},
		}
	}

	inputBG, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "omm_bake_input",
		Layout: d.baker.inputLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: configBuf.NativeHandle(), Offset: 0, Size: bakeConfigSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: texcoordBuf.NativeHandle(), Offset: 0, Size: uint64(len(texcoords))}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: tapsBuf.NativeHandle(), Offset: 0, Size: uint64(len(taps))}},
			alphaEntry(3, primary),
			alphaEntry(4, secondary),
		},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create input bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(inputBG)

	outputBG, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "omm_bake_output",
		Layout: d.baker.outputLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: dst.buf.NativeHandle(), Offset: 0, Size: dst.size}},
		},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create output bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(outputBG)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "omm_bake",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("omm_bake"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "omm_bake"})
	pass.SetPipeline(d.baker.pipeline)
	pass.SetBindGroup(0, inputBG, nil)
	pass.SetBindGroup(1, outputBG, nil)
	pass.Dispatch((count+bakeWorkgroupSize-1)/bakeWorkgroupSize, 1, 1)
	pass.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer cmdBuf.Destroy()

	return d.submitAndWait(cmdBuf)
}
