// Package local implements the on-device enhancement provider: a contrast
// stretch with optional resize, run on a bounded worker pool.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	_ "image/gif"

	"golang.org/x/sync/semaphore"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/provider"
)

const DefaultID domain.ProviderID = "local"

// clipFraction of pixels at each end is ignored when picking the stretch
// bounds so a few hot pixels do not pin the range.
const clipFraction = 0.005

type Provider struct {
	id        domain.ProviderID
	sem       *semaphore.Weighted
	maxPixels int
}

type Option func(*Provider)

// WithMaxPixels bounds both the decoded input and the resized output.
func WithMaxPixels(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New returns a provider that runs at most concurrency enhancements at once.
func New(id domain.ProviderID, concurrency int, opts ...Option) *Provider {
	if id == "" {
		id = DefaultID
	}
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Provider{
		id:        id,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		maxPixels: domain.DefaultMaxImagePixels,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() domain.ProviderID { return p.id }

func (p *Provider) Capabilities() []domain.EditTask {
	return []domain.EditTask{domain.TaskSimpleEnhance}
}

func (p *Provider) Execute(ctx context.Context, req provider.Request) (*domain.Image, error) {
	if req.Task != domain.TaskSimpleEnhance {
		return nil, domain.NewProviderError(p.id, domain.ProviderErrorPermanent,
			fmt.Errorf("unsupported task %s", req.Task))
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, domain.NewProviderError(p.id, domain.ProviderErrorTransient, err)
	}
	defer p.sem.Release(1)

	src, format, err := domain.DecodeImage(req.Image.Data, p.maxPixels)
	if err != nil {
		return nil, domain.NewProviderError(p.id, domain.ProviderErrorPermanent, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewProviderError(p.id, domain.ProviderErrorTransient, err)
	}

	out := stretch(src)
	if req.TargetSize != nil && req.TargetSize.Width > 0 && req.TargetSize.Height > 0 {
		size := clamp(*req.TargetSize, p.maxPixels)
		out = resize(out, size.Width, size.Height)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewProviderError(p.id, domain.ProviderErrorTransient, err)
	}

	var buf bytes.Buffer
	contentType := "image/png"
	if format == "jpeg" {
		contentType = "image/jpeg"
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: 92})
	} else {
		err = png.Encode(&buf, out)
	}
	if err != nil {
		return nil, domain.NewProviderError(p.id, domain.ProviderErrorPermanent, fmt.Errorf("encode: %w", err))
	}

	b := out.Bounds()
	return &domain.Image{
		Data:        buf.Bytes(),
		ContentType: contentType,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// HealthCheck fails only when the pool is saturated.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if !p.sem.TryAcquire(1) {
		return errors.New("local provider saturated")
	}
	p.sem.Release(1)
	return nil
}

// stretch maps the luminance range of src onto [0, 255] using the same
// linear transform for every channel.
func stretch(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(src.At(x, y)).(color.Gray)
			hist[g.Y]++
		}
	}

	lo, hi := bounds(hist, b.Dx()*b.Dy())
	scale := 1.0
	if hi > lo {
		scale = 255.0 / float64(hi-lo)
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			if hi > lo {
				c.R = level(c.R, lo, scale)
				c.G = level(c.G, lo, scale)
				c.B = level(c.B, lo, scale)
			}
			dst.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

func bounds(hist [256]int, total int) (lo, hi int) {
	clip := int(float64(total) * clipFraction)

	acc := 0
	for lo = 0; lo < 255; lo++ {
		acc += hist[lo]
		if acc > clip {
			break
		}
	}
	acc = 0
	for hi = 255; hi > 0; hi-- {
		acc += hist[hi]
		if acc > clip {
			break
		}
	}
	return lo, hi
}

func level(v uint8, lo int, scale float64) uint8 {
	f := (float64(v) - float64(lo)) * scale
	switch {
	case f < 0:
		return 0
	case f > 255:
		return 255
	}
	return uint8(f + 0.5)
}

// clamp scales s down, keeping its aspect ratio, until it fits in maxPixels.
func clamp(s domain.Size, maxPixels int) domain.Size {
	if s.Within(maxPixels) {
		return s
	}
	f := math.Sqrt(float64(maxPixels) / (float64(s.Width) * float64(s.Height)))
	w := max(int(float64(s.Width)*f), 1)
	h := max(int(float64(s.Height)*f), 1)
	if out := (domain.Size{Width: w, Height: h}); out.Within(maxPixels) {
		return out
	}
	// Rounding overshot; trim the long side.
	h = min(h, maxPixels)
	return domain.Size{Width: max(maxPixels/h, 1), Height: h}
}

// resize is nearest-neighbour.
func resize(src *image.NRGBA, w, h int) *image.NRGBA {
	sb := src.Bounds()
	if sb.Dx() == w && sb.Dy() == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := y * sb.Dy() / h
		for x := 0; x < w; x++ {
			sx := x * sb.Dx() / w
			dst.SetNRGBA(x, y, src.NRGBAAt(sx, sy))
		}
	}
	return dst
}
