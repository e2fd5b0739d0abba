// Package scorer rates the frames of a capture burst and picks the best one.
package scorer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/metrics"
)

type Weights struct {
	Sharpness   float64
	Exposure    float64
	Composition float64
}

func DefaultWeights() Weights {
	return Weights{Sharpness: 0.5, Exposure: 0.3, Composition: 0.2}
}

func (w Weights) valid() bool {
	return w.Sharpness >= 0 && w.Exposure >= 0 && w.Composition >= 0 &&
		w.Sharpness+w.Exposure+w.Composition > 0
}

// Cache memoizes sub-scores by content hash. Overall is always recomputed
// from the current weights.
type Cache interface {
	Get(ctx context.Context, key string) (domain.FrameScore, bool)
	Set(ctx context.Context, key string, score domain.FrameScore)
}

type Selection struct {
	Index int
	Image domain.Image
	Score domain.FrameScore
}

type Scorer struct {
	weights     atomic.Pointer[Weights]
	cache       Cache
	concurrency int
	maxPixels   int

	// analyze computes sub-scores; replaced in tests.
	analyze func(domain.Image) (domain.FrameScore, error)
}

type Option func(*Scorer)

func WithCache(c Cache) Option {
	return func(s *Scorer) { s.cache = c }
}

func WithConcurrency(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMaxPixels rejects frames whose header declares more pixels than n.
func WithMaxPixels(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.maxPixels = n
		}
	}
}

func New(weights Weights, opts ...Option) *Scorer {
	s := &Scorer{
		concurrency: runtime.GOMAXPROCS(0),
		maxPixels:   domain.DefaultMaxImagePixels,
	}
	s.analyze = func(img domain.Image) (domain.FrameScore, error) {
		return analyze(img, s.maxPixels)
	}
	s.SetWeights(weights)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetWeights swaps the weighting coefficients. Invalid weights fall back to
// the defaults.
func (s *Scorer) SetWeights(w Weights) {
	if !w.valid() {
		w = DefaultWeights()
	}
	s.weights.Store(&w)
}

func (s *Scorer) Weights() Weights {
	return *s.weights.Load()
}

// Score rates a single image. It is safe for concurrent use.
func (s *Scorer) Score(ctx context.Context, img domain.Image) (domain.FrameScore, error) {
	var key string
	if s.cache != nil {
		key = contentKey(img.Data)
		fs, ok := s.cache.Get(ctx, key)
		metrics.RecordScoreCache(ok)
		if ok {
			return s.combine(fs), nil
		}
	}

	fs, err := s.analyze(img)
	if err != nil {
		return domain.FrameScore{}, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, key, fs)
	}
	return s.combine(fs), nil
}

// SelectBest scores every frame in parallel and returns the highest Overall.
// Ties go to the earliest index. Frames that fail to score are skipped; if
// none can be scored the error is a *domain.FrameSelectionError.
func (s *Scorer) SelectBest(ctx context.Context, burst []domain.Image) (Selection, error) {
	switch len(burst) {
	case 0:
		return Selection{}, domain.ErrEmptyBurst
	case 1:
		return Selection{Index: 0, Image: burst[0]}, nil
	}

	scores := make([]domain.FrameScore, len(burst))
	errs := make([]error, len(burst))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range burst {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i], errs[i] = s.Score(gctx, burst[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Selection{}, err
	}
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}

	best := -1
	for i := range burst {
		if errs[i] != nil {
			continue
		}
		if best < 0 || scores[i].Overall > scores[best].Overall {
			best = i
		}
	}

	if best < 0 {
		failures := make(map[int]error, len(errs))
		for i, err := range errs {
			failures[i] = err
		}
		return Selection{}, &domain.FrameSelectionError{Failures: failures}
	}

	return Selection{Index: best, Image: burst[best], Score: scores[best]}, nil
}

func (s *Scorer) combine(fs domain.FrameScore) domain.FrameScore {
	w := s.Weights()
	total := w.Sharpness + w.Exposure + w.Composition
	fs.Overall = (w.Sharpness*fs.Sharpness + w.Exposure*fs.Exposure + w.Composition*fs.Composition) / total
	return fs
}

func contentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
