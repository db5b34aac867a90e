package config

import (
	"fmt"
	"os"

	"github.com/bobarin/newsreel/internal/models"
	"gopkg.in/yaml.v3"
)

// Layout describes where things go on the paragraph canvas. It is loaded
// from a YAML file; missing keys keep their defaults.
type Layout struct {
	Canvas     Size       `yaml:"canvas"`
	FPS        int        `yaml:"fps"`
	Background string     `yaml:"background"` // image file copied into every job (empty = black)
	Scene      QuadSpec   `yaml:"scene"`      // where the generated image is warped
	Avatar     AvatarSpec `yaml:"avatar"`
	Credit     CreditSpec `yaml:"credit"`
}

type Size struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// QuadSpec is a placement quadrilateral in YAML form: four [x, y] pairs.
type QuadSpec struct {
	TopLeft     [2]float64 `yaml:"top_left"`
	TopRight    [2]float64 `yaml:"top_right"`
	BottomRight [2]float64 `yaml:"bottom_right"`
	BottomLeft  [2]float64 `yaml:"bottom_left"`
}

func (q QuadSpec) Quad() models.Quad {
	return models.Quad{
		TopLeft:     models.Point{X: q.TopLeft[0], Y: q.TopLeft[1]},
		TopRight:    models.Point{X: q.TopRight[0], Y: q.TopRight[1]},
		BottomRight: models.Point{X: q.BottomRight[0], Y: q.BottomRight[1]},
		BottomLeft:  models.Point{X: q.BottomLeft[0], Y: q.BottomLeft[1]},
	}
}

func rectSpec(x, y, w, h float64) QuadSpec {
	return QuadSpec{
		TopLeft:     [2]float64{x, y},
		TopRight:    [2]float64{x + w, y},
		BottomRight: [2]float64{x + w, y + h},
		BottomLeft:  [2]float64{x, y + h},
	}
}

type AvatarSpec struct {
	Character  string          `yaml:"character"`
	Crop       models.CropRect `yaml:"crop"`
	Quad       QuadSpec        `yaml:"quad"`
	Threshold  uint8           `yaml:"threshold"`   // luma at or above which a pixel is foreground
	BlurKernel int             `yaml:"blur_kernel"` // odd Gaussian kernel size for the mask
}

type CreditSpec struct {
	Enabled bool     `yaml:"enabled"`
	Size    int      `yaml:"size"` // QR image edge in pixels
	Quad    QuadSpec `yaml:"quad"`
}

// DefaultLayout is a 1920x1080 news set: the generated image sits on the
// studio screen, the avatar clip is cropped to the presenter and placed on
// the right.
func DefaultLayout() Layout {
	return Layout{
		Canvas: Size{Width: 1920, Height: 1080},
		FPS:    24,
		Scene: QuadSpec{
			TopLeft:     [2]float64{410, 274},
			TopRight:    [2]float64{996, 140},
			BottomRight: [2]float64{995, 685},
			BottomLeft:  [2]float64{410, 649},
		},
		Avatar: AvatarSpec{
			Character:  string(models.AvatarWoman2),
			Crop:       models.CropRect{X: 808, Y: 147, Width: 256, Height: 883},
			Quad:       rectSpec(1560, 147, 256, 883),
			Threshold:  10,
			BlurKernel: 21,
		},
		Credit: CreditSpec{
			Enabled: true,
			Size:    256,
			Quad:    rectSpec(40, 880, 160, 160),
		},
	}
}

// LoadLayout reads a YAML layout file over the defaults. An empty path
// returns the defaults.
func LoadLayout(path string) (Layout, error) {
	layout := DefaultLayout()
	if path == "" {
		return layout, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return layout, fmt.Errorf("read layout %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return layout, fmt.Errorf("parse layout %s: %w", path, err)
	}
	if err := layout.Validate(); err != nil {
		return layout, fmt.Errorf("layout %s: %w", path, err)
	}
	return layout, nil
}

func (l Layout) Validate() error {
	if l.Canvas.Width <= 0 || l.Canvas.Height <= 0 {
		return fmt.Errorf("canvas size must be positive, got %dx%d", l.Canvas.Width, l.Canvas.Height)
	}
	if l.Canvas.Width%2 != 0 || l.Canvas.Height%2 != 0 {
		return fmt.Errorf("canvas size must be even for yuv420p, got %dx%d", l.Canvas.Width, l.Canvas.Height)
	}
	if l.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", l.FPS)
	}
	if l.Avatar.BlurKernel < 1 || l.Avatar.BlurKernel%2 == 0 {
		return fmt.Errorf("avatar blur_kernel must be a positive odd number, got %d", l.Avatar.BlurKernel)
	}
	if l.Avatar.Crop.Width <= 0 || l.Avatar.Crop.Height <= 0 {
		return fmt.Errorf("avatar crop must have positive size")
	}
	return nil
}

// Save writes the layout as YAML, for seeding a file to edit.
func (l Layout) Save(path string) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
