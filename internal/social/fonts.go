package social

import (
	"fmt"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

var (
	fontsOnce   sync.Once
	regularFont *opentype.Font
	boldFont    *opentype.Font
	fontsErr    error
)

func loadFonts() error {
	fontsOnce.Do(func() {
		if regularFont, fontsErr = opentype.Parse(goregular.TTF); fontsErr != nil {
			fontsErr = fmt.Errorf("parse regular font: %w", fontsErr)
			return
		}
		if boldFont, fontsErr = opentype.Parse(gobold.TTF); fontsErr != nil {
			fontsErr = fmt.Errorf("parse bold font: %w", fontsErr)
		}
	})
	return fontsErr
}

type faceKey struct {
	size float64
	bold bool
}

// faceSet hands out faces for a single render. Faces keep scratch buffers
// and must not be shared between goroutines.
type faceSet struct {
	faces map[faceKey]font.Face
}

func newFaceSet() (*faceSet, error) {
	if err := loadFonts(); err != nil {
		return nil, err
	}
	return &faceSet{faces: make(map[faceKey]font.Face)}, nil
}

func (fs *faceSet) face(size float64, bold bool) (font.Face, error) {
	k := faceKey{size: size, bold: bold}
	if f, ok := fs.faces[k]; ok {
		return f, nil
	}
	src := regularFont
	if bold {
		src = boldFont
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("font face %.0fpx: %w", size, err)
	}
	fs.faces[k] = f
	return f, nil
}

func (fs *faceSet) close() {
	for _, f := range fs.faces {
		_ = f.Close()
	}
}

func measurer(f font.Face) MeasureFunc {
	return func(s string) int {
		return font.MeasureString(f, s).Ceil()
	}
}
