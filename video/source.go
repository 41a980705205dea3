package video

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
)

// Source yields the frames a publisher sends. Next reports false once the
// source is exhausted.
type Source interface {
	Next() (image.Image, bool)
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// ListImages returns the image files directly inside dir sorted by name.
func ListImages(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("path does not exist: %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ImageSequence plays the images of a directory, resized to one size.
type ImageSequence struct {
	frames []image.Image
	next   int
	loop   bool
}

func LoadImageSequence(dir string, width, height int, loop bool) (*ImageSequence, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	frames := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			log.Warnw("skipping image", "path", path, "error", err)
			continue
		}
		frames = append(frames, imaging.Fill(img, width, height, imaging.Center, imaging.Linear))
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no decodable images in %s", dir)
	}
	return &ImageSequence{frames: frames, loop: loop}, nil
}

func (s *ImageSequence) Next() (image.Image, bool) {
	if s.next >= len(s.frames) {
		if !s.loop {
			return nil, false
		}
		s.next = 0
	}
	img := s.frames[s.next]
	s.next++
	return img, true
}

func (s *ImageSequence) Len() int {
	return len(s.frames)
}

// TestPattern is an endless source of a square moving across a gray
// background.
type TestPattern struct {
	width, height int
	tick          int
}

func NewTestPattern(width, height int) *TestPattern {
	return &TestPattern{width: width, height: height}
}

func (p *TestPattern) Next() (image.Image, bool) {
	img := imaging.New(p.width, p.height, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	side := p.height / 4
	if side < 1 {
		side = 1
	}
	span := p.width - side
	x := 0
	if span > 0 {
		x = (p.tick * 4) % span
	}
	square := imaging.New(side, side, color.NRGBA{R: 220, G: 40, B: 40, A: 255})
	img = imaging.Paste(img, square, image.Pt(x, (p.height-side)/2))
	p.tick++
	return img, true
}
