package cascade

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// SquareRegion grows box into a square around its center and clips it to
// bounds.
func SquareRegion(box, bounds image.Rectangle) image.Rectangle {
	side := box.Dx()
	if box.Dy() > side {
		side = box.Dy()
	}
	cx := box.Min.X + box.Dx()/2
	cy := box.Min.Y + box.Dy()/2
	square := image.Rect(cx-side/2, cy-side/2, cx-side/2+side, cy-side/2+side)
	return square.Intersect(bounds)
}

// CropResize cuts the square region around box out of img and scales it to
// size x size.
func CropResize(img image.Image, box image.Rectangle, size int) *image.NRGBA {
	region := SquareRegion(box, img.Bounds())
	if region.Empty() {
		region = img.Bounds()
	}
	return imaging.Resize(imaging.Crop(img, region), size, size, imaging.Linear)
}

// Softmax turns raw scores into probabilities.
func Softmax(scores []float32) []float64 {
	if len(scores) == 0 {
		return nil
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	result := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		result[i] = math.Exp(float64(s - max))
		sum += result[i]
	}
	for i := range result {
		result[i] /= sum
	}
	return result
}
