// Command ommsim runs the opacity micromap cache against the CPU reference
// backend with synthetic alpha-tested geometry, printing cache statistics
// per interval. It is a smoke and tuning harness, not a renderer.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/omm"
	"github.com/gogpu/omm/backend/native"
	"github.com/gogpu/omm/gpucore"
	"github.com/gogpu/omm/texture"
)

func main() {
	var (
		frames    = flag.Int("frames", 120, "number of frames to simulate")
		instances = flag.Int("instances", 16, "number of synthetic instances")
		triangles = flag.Uint("triangles", 64, "triangles per instance")
		level     = flag.Uint("level", 3, "micromap subdivision level")
		texSize   = flag.Int("texsize", 256, "alpha texture size in texels")
		heapMB    = flag.Uint64("heap", 4096, "simulated device heap in MiB")
		interval  = flag.Int("interval", 30, "frames between statistics lines")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	omm.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	registry := texture.NewRegistry()
	src, err := texture.NewSource(checkerAlpha(*texSize), "checker")
	if err != nil {
		log.Fatalf("create texture: %v", err)
	}
	texIndex := registry.Register(src)
	registry.MarkUploaded(texIndex)

	opts := omm.DefaultOptions()
	opts.SubdivisionLevel = uint16(*level)
	opts.MinResidentMips = 1

	dev := native.New(registry, *heapMB<<20)
	mgr := omm.NewManager(dev, registry, opts)

	scene := make([]*simInstance, *instances)
	for i := range scene {
		scene[i] = &simInstance{
			id:            uint64(i + 1),
			triangleCount: uint32(*triangles),
			opacityTex:    texIndex,
		}
	}

	var binding gpucore.MicromapBinding
	bound := make(map[uint64]bool)

	for frame := 1; frame <= *frames; frame++ {
		mgr.OnFrameStart()

		for _, inst := range scene {
			inst.frame = uint32(frame)
			mgr.RegisterBuildRequest(inst)
		}

		mgr.BuildMicromaps(0, 16*time.Millisecond)

		for _, inst := range scene {
			if h := mgr.TryBind(inst, omm.QuadSliceNone, &binding); h != omm.EmptyHash && !bound[inst.id] {
				bound[inst.id] = true
				log.Printf("frame %d: instance %d bound (micromap %d)", frame, inst.id, binding.Micromap)
			}
		}

		mgr.OnBlasBuild()
		mgr.OnFinishedBuilding()
		mgr.OnFrameEnd()

		if frame%*interval == 0 {
			printStats(frame, mgr.Stats())
		}
	}

	s := mgr.Stats()
	printStats(*frames, s)
	fmt.Printf("bound %d of %d instances, %d buffers live, %d MiB allocated\n",
		len(bound), len(scene), dev.BufferCount(), dev.AllocatedBytes()>>20)
}

func printStats(frame int, s omm.Stats) {
	fmt.Printf("frame %4d: unprocessed=%d baking=%d baked=%d built=%d ready=%d used=%dMiB budget=%dMiB\n",
		frame, s.Unprocessed, s.Baking, s.Baked, s.Built, s.Ready,
		s.UsedBytes>>20, s.BudgetBytes>>20)
}

// checkerAlpha builds a checkerboard where opaque and transparent cells
// alternate, with a soft gradient strip so some micro-triangles classify
// as unknown.
func checkerAlpha(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	cell := size / 8
	if cell < 1 {
		cell = 1
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var a uint8
			if (x/cell+y/cell)%2 == 0 {
				a = 255
			}
			if y < size/8 {
				a = uint8(x * 255 / size)
			}
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: a})
		}
	}
	return img
}

// simInstance is a static alpha-tested mesh whose triangles tile the unit
// UV square row by row.
type simInstance struct {
	id            uint64
	triangleCount uint32
	opacityTex    uint32
	frame         uint32
}

func (s *simInstance) ID() uint64                 { return s.id }
func (s *simInstance) FrameAge() uint32           { return s.frame }
func (s *simInstance) LastUpdatedFrame() uint32   { return s.frame }
func (s *simInstance) Animated() bool             { return false }
func (s *simInstance) MaterialType() omm.MaterialType { return omm.MaterialOpaque }
func (s *simInstance) MaterialHash() uint64       { return 0x9000 + s.id }
func (s *simInstance) AlphaState() omm.AlphaState {
	return omm.AlphaState{AlphaTestEnabled: true, AlphaTestReferenceValue: 127}
}
func (s *simInstance) TextureStage() omm.TextureStage { return omm.TextureStage{} }
func (s *simInstance) TextureTransform() [6]float32   { return [6]float32{1, 0, 0, 0, 1, 0} }
func (s *simInstance) TexCoordHash() uint64           { return 0xA000 + s.id }
func (s *simInstance) IndexHash() uint64              { return 0xB000 + s.id }
func (s *simInstance) VertexOpacityHash() uint64      { return 0 }
func (s *simInstance) TriangleCount() uint32          { return s.triangleCount }
func (s *simInstance) OpacityTextureIndex() uint32    { return s.opacityTex }
func (s *simInstance) SecondaryOpacityTextureIndex() uint32 {
	return gpucore.InvalidTextureIndex
}
func (s *simInstance) QuadCount() uint32                      { return 0 }
func (s *simInstance) QuadTexCoordHash(uint32) uint64         { return 0 }
func (s *simInstance) QuadVertexOpacityHash(uint32) uint64    { return 0 }

func (s *simInstance) TriangleTexcoords(tri uint32) (uv [3][2]float32, ok bool) {
	if tri >= s.triangleCount {
		return uv, false
	}
	// Two triangles per grid cell, 8 cells per row.
	cell := tri / 2
	cx := float32(cell%8) / 8
	cy := float32(cell/8) / 8
	w := float32(1.0 / 8.0)
	if tri%2 == 0 {
		return [3][2]float32{{cx, cy}, {cx + w, cy}, {cx, cy + w}}, true
	}
	return [3][2]float32{{cx + w, cy}, {cx + w, cy + w}, {cx, cy + w}}, true
}
