package cascade

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestSquareRegion(t *testing.T) {
	bounds := image.Rect(0, 0, 640, 480)
	tests := []struct {
		name     string
		box      image.Rectangle
		expected image.Rectangle
	}{
		{"tall box", image.Rect(100, 100, 150, 200), image.Rect(75, 100, 175, 200)},
		{"wide box", image.Rect(100, 100, 200, 150), image.Rect(100, 75, 200, 175)},
		{"clipped at edge", image.Rect(0, 0, 20, 100), image.Rect(0, 0, 60, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SquareRegion(tt.box, bounds); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCropResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	out := CropResize(img, image.Rect(10, 10, 20, 30), 16)
	if out.Bounds().Dx() != 16 || out.Bounds().Dy() != 16 {
		t.Fatalf("Expected 16x16, got %v", out.Bounds())
	}
	if r, _, _, _ := out.At(8, 8).RGBA(); r>>8 != 200 {
		t.Errorf("Expected red 200, got %d", r>>8)
	}
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1, 1, 1, 1})
	for _, p := range probs {
		if math.Abs(p-0.25) > 1e-9 {
			t.Errorf("Expected 0.25, got %v", p)
		}
	}
	probs = Softmax([]float32{0, 10})
	if probs[1] <= 0.99 {
		t.Errorf("Expected dominant class above 0.99, got %v", probs[1])
	}
	if Softmax(nil) != nil {
		t.Error("Expected nil for no scores")
	}
}
