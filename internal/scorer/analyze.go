package scorer

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

const (
	// Long side of the luminance grid. Larger frames are sampled.
	gridSize = 256

	// Laplacian variance at which sharpness reaches 0.5.
	sharpnessKnee = 0.002

	clipLow  = 0.02
	clipHigh = 0.98
)

var powerPoints = [4][2]float64{
	{1.0 / 3, 1.0 / 3},
	{2.0 / 3, 1.0 / 3},
	{1.0 / 3, 2.0 / 3},
	{2.0 / 3, 2.0 / 3},
}

// Distance from a power point to the nearest corner; the worst placement.
var maxThirdsDistance = math.Sqrt2 / 3

func analyze(img domain.Image, maxPixels int) (domain.FrameScore, error) {
	decoded, _, err := domain.DecodeImage(img.Data, maxPixels)
	if err != nil {
		return domain.FrameScore{}, fmt.Errorf("decode frame: %w", err)
	}

	lum := luminance(decoded)
	if len(lum) < 3 || len(lum[0]) < 3 {
		return domain.FrameScore{}, fmt.Errorf("frame too small: %dx%d", decoded.Bounds().Dx(), decoded.Bounds().Dy())
	}

	return domain.FrameScore{
		Sharpness:   sharpness(lum),
		Exposure:    exposure(lum),
		Composition: composition(lum),
	}, nil
}

// luminance samples img onto a grid of at most gridSize on the long side
// and returns Rec. 601 luma in [0,1], indexed [y][x].
func luminance(img image.Image) [][]float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	step := 1
	if long := max(w, h); long > gridSize {
		step = (long + gridSize - 1) / gridSize
	}

	rows := make([][]float64, 0, h/step+1)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		row := make([]float64, 0, w/step+1)
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			row = append(row, (0.299*float64(r)+0.587*float64(g)+0.114*float64(bl))/0xffff)
		}
		rows = append(rows, row)
	}
	return rows
}

// sharpness is the variance of the 4-neighbour Laplacian, mapped to [0,1).
func sharpness(lum [][]float64) float64 {
	var sum, sumSq float64
	n := 0
	for y := 1; y < len(lum)-1; y++ {
		for x := 1; x < len(lum[y])-1; x++ {
			l := 4*lum[y][x] - lum[y-1][x] - lum[y+1][x] - lum[y][x-1] - lum[y][x+1]
			sum += l
			sumSq += l * l
			n++
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return variance / (variance + sharpnessKnee)
}

// exposure rewards a mean near mid-grey and penalizes clipped pixels.
func exposure(lum [][]float64) float64 {
	var sum float64
	n, clipped := 0, 0
	for _, row := range lum {
		for _, v := range row {
			sum += v
			if v <= clipLow || v >= clipHigh {
				clipped++
			}
			n++
		}
	}
	mean := sum / float64(n)
	closeness := 1 - 2*math.Abs(mean-0.5)
	return clamp01(closeness * (1 - float64(clipped)/float64(n)))
}

// composition measures how close the gradient-energy centroid sits to the
// nearest rule-of-thirds power point. A flat frame scores 0.
func composition(lum [][]float64) float64 {
	h, w := len(lum), len(lum[0])
	var energy, cx, cy float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := lum[y][x+1] - lum[y][x-1]
			gy := lum[y+1][x] - lum[y-1][x]
			e := math.Abs(gx) + math.Abs(gy)
			energy += e
			cx += e * float64(x)
			cy += e * float64(y)
		}
	}
	if energy == 0 {
		return 0
	}
	px := cx / energy / float64(w-1)
	py := cy / energy / float64(h-1)

	nearest := math.Inf(1)
	for _, p := range powerPoints {
		nearest = math.Min(nearest, math.Hypot(px-p[0], py-p[1]))
	}
	return clamp01(1 - nearest/maxThirdsDistance)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
