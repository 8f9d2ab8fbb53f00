package texture

import (
	"errors"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/gputypes"
)

// Texture errors.
var (
	// ErrNilImage is returned when constructing a source from a nil image.
	ErrNilImage = errors.New("texture: image is nil")

	// ErrEmptyImage is returned when constructing a source from an image
	// with zero width or height.
	ErrEmptyImage = errors.New("texture: image has zero extent")
)

// InvalidIndex marks the absence of a texture. Instances with no opacity
// texture report this value and are baked from vertex opacity alone.
const InvalidIndex = ^uint32(0)

// Source is an opacity texture with a full mip chain resolved on the CPU.
//
// Only the alpha channel is retained. Mip level 0 is the base image; each
// successive level halves both dimensions (rounding down, clamped to 1)
// until a 1x1 level is reached. Downsampling uses bilinear filtering via
// golang.org/x/image/draw.
//
// A Source is immutable after construction and safe for concurrent reads.
type Source struct {
	label  string
	format gputypes.TextureFormat
	mips   []mipLevel
}

type mipLevel struct {
	width  int
	height int
	alpha  []float32
}

// NewSource builds a Source from img, generating the complete mip chain.
func NewSource(img image.Image, label string) (*Source, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyImage, b.Dx(), b.Dy())
	}

	src := &Source{
		label:  label,
		format: gputypes.TextureFormatRGBA8Unorm,
	}

	level := toNRGBA(img)
	for {
		src.mips = append(src.mips, extractAlpha(level))
		w, h := level.Bounds().Dx(), level.Bounds().Dy()
		if w == 1 && h == 1 {
			break
		}
		level = downsample(level)
	}
	return src, nil
}

// Label returns the source's debug label.
func (s *Source) Label() string { return s.label }

// Format returns the pixel format of the source image.
func (s *Source) Format() gputypes.TextureFormat { return s.format }

// MipCount returns the number of levels in the mip chain.
func (s *Source) MipCount() uint32 { return uint32(len(s.mips)) }

// MipSize returns the dimensions of the given mip level.
func (s *Source) MipSize(level uint32) (width, height uint32) {
	if int(level) >= len(s.mips) {
		return 0, 0
	}
	m := s.mips[level]
	return uint32(m.width), uint32(m.height)
}

// SampleAlpha returns the alpha value at normalized coordinates (u, v) on
// the given mip level, using nearest filtering with clamp-to-edge
// addressing. Levels beyond the chain clamp to the smallest mip.
func (s *Source) SampleAlpha(u, v float32, level uint32) float32 {
	if len(s.mips) == 0 {
		return 1
	}
	if int(level) >= len(s.mips) {
		level = uint32(len(s.mips) - 1)
	}
	m := s.mips[level]
	x := clampInt(int(u*float32(m.width)), 0, m.width-1)
	y := clampInt(int(v*float32(m.height)), 0, m.height-1)
	return m.alpha[y*m.width+x]
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

func downsample(src *image.NRGBA) *image.NRGBA {
	w := max(1, src.Bounds().Dx()/2)
	h := max(1, src.Bounds().Dy()/2)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func extractAlpha(img *image.NRGBA) mipLevel {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	m := mipLevel{width: w, height: h, alpha: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			m.alpha[y*w+x] = float32(row[x*4+3]) / 255
		}
	}
	return m
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
