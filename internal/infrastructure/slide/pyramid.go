package slide

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

const (
	defaultMaxLevels     = 4
	defaultMinLevelSize  = 512
	defaultMagnification = 40
)

var padColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Pyramid is an in-memory multi-resolution slide. Level 0 is the decoded
// image; each further level halves both dimensions.
type Pyramid struct {
	levels   []*image.RGBA
	format   string
	size     int64
	objPower int
}

type Options struct {
	MaxLevels     int
	MinLevelSize  int
	Magnification int
}

func Decode(r io.Reader, opts Options) (*Pyramid, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read slide: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode slide", err)
	}
	if opts.MaxLevels <= 0 {
		opts.MaxLevels = defaultMaxLevels
	}
	if opts.MinLevelSize <= 0 {
		opts.MinLevelSize = defaultMinLevelSize
	}
	if opts.Magnification <= 0 {
		opts.Magnification = defaultMagnification
	}

	base := toRGBA(img)
	levels := []*image.RGBA{base}
	for len(levels) < opts.MaxLevels {
		prev := levels[len(levels)-1]
		w, h := prev.Bounds().Dx()/2, prev.Bounds().Dy()/2
		if w < opts.MinLevelSize || h < opts.MinLevelSize {
			break
		}
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		levels = append(levels, next)
	}

	return &Pyramid{levels: levels, format: format, size: int64(len(raw)), objPower: opts.Magnification}, nil
}

func (p *Pyramid) LevelCount() int {
	return len(p.levels)
}

func (p *Pyramid) LevelDimensions(level int) (int, int, error) {
	if level < 0 || level >= len(p.levels) {
		return 0, 0, fmt.Errorf("%w: level %d out of range [0,%d)", domain.ErrInvalidInput, level, len(p.levels))
	}
	b := p.levels[level].Bounds()
	return b.Dx(), b.Dy(), nil
}

// ReadRegion copies a size-sized window at (x, y) of the given level. Pixels
// outside the slide are padded white.
func (p *Pyramid) ReadRegion(x, y, level int, size image.Point) (image.Image, error) {
	if level < 0 || level >= len(p.levels) {
		return nil, fmt.Errorf("%w: level %d out of range", domain.ErrInvalidInput, level)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: region size %v", domain.ErrInvalidInput, size)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: padColor}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), p.levels[level], image.Pt(x, y), draw.Src)
	return dst, nil
}

func (p *Pyramid) Metadata() domain.SlideMetadata {
	dims := make([][2]int, 0, len(p.levels))
	for _, lvl := range p.levels {
		dims = append(dims, [2]int{lvl.Bounds().Dx(), lvl.Bounds().Dy()})
	}
	return domain.SlideMetadata{
		Width:           dims[0][0],
		Height:          dims[0][1],
		LevelCount:      len(p.levels),
		LevelDimensions: dims,
		Format:          p.format,
		FileSizeBytes:   p.size,
		Magnification:   p.objPower,
	}
}

// Thumbnail downsamples level 0 to fit inside maxWidth x maxHeight, keeping
// the aspect ratio.
func (p *Pyramid) Thumbnail(maxWidth, maxHeight int) image.Image {
	src := p.levels[0]
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	scale := min(float64(maxWidth)/float64(w), float64(maxHeight)/float64(h), 1)
	tw, th := max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Opener decodes slides kept in object storage.
type Opener struct {
	storage ports.ObjectStorage
	opts    Options
}

func NewOpener(storage ports.ObjectStorage, opts Options) *Opener {
	return &Opener{storage: storage, opts: opts}
}

func (o *Opener) OpenSlide(ctx context.Context, key string) (ports.Slide, error) {
	rc, err := o.storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open slide %s: %w", key, err)
	}
	defer rc.Close()
	return Decode(rc, o.opts)
}
