package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedStoryboard is returned when persisted or submitted JSON does
// not have the shape of a storyboard document.
var ErrMalformedStoryboard = errors.New("malformed storyboard document")

// Point is a 2D canvas coordinate, serialized as [x, y].
type Point struct {
	X float64
	Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var xy [2]float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("point must be [x, y]: %w", err)
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Quad is a placement quadrilateral, corners listed clockwise from the top left.
type Quad struct {
	TopLeft     Point `json:"top-left"`
	TopRight    Point `json:"top-right"`
	BottomRight Point `json:"bottom-right"`
	BottomLeft  Point `json:"bottom-left"`
}

// RectQuad returns the axis-aligned quad covering the rectangle at (x, y) with size w x h.
func RectQuad(x, y, w, h float64) Quad {
	return Quad{
		TopLeft:     Point{x, y},
		TopRight:    Point{x + w, y},
		BottomRight: Point{x + w, y + h},
		BottomLeft:  Point{x, y + h},
	}
}

// Corners returns the corners in TL, TR, BR, BL order.
func (q Quad) Corners() [4]Point {
	return [4]Point{q.TopLeft, q.TopRight, q.BottomRight, q.BottomLeft}
}

// CropRect is a source rectangle in pixels.
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImagePlacement is an image layer composited onto the paragraph canvas.
type ImagePlacement struct {
	ImgPath string `json:"img_path"`
	Quad
	ZIndex int `json:"z_index"`
}

// AvatarPlacement is a keyed foreground video placed onto the paragraph canvas.
type AvatarPlacement struct {
	AvatarPath string `json:"avatar_path"`
	Quad
	Crop CropRect `json:"crop"`
}

// Paragraph is one narrated scene of the storyboard.
type Paragraph struct {
	Paragraph          string           `json:"paragraph"`
	Duration           string           `json:"duration"`
	CalculatedDuration float64          `json:"calculatedDuration"`
	ImageDescription   string           `json:"imageDescription"`
	Voiceover          string           `json:"voiceover"`
	CharacterCount     int              `json:"characterCount"`
	NeedAvatar         bool             `json:"needAvatar"`
	Images             []ImagePlacement `json:"images"`
	AudioPath          string           `json:"audio_path,omitempty"`
	Video              *AvatarPlacement `json:"video,omitempty"`
}

// DefaultParagraph returns the zeroed paragraph synthesized for index.
func DefaultParagraph(index int) Paragraph {
	return Paragraph{
		Paragraph: fmt.Sprintf("%02d", index+1),
		Images:    []ImagePlacement{},
	}
}

// StoryboardDocument is the root job record.
type StoryboardDocument struct {
	Title      string      `json:"title"`
	RandomID   string      `json:"random_id"`
	SourceURL  string      `json:"source_url,omitempty"`
	Paragraphs []Paragraph `json:"storyboard"`
}

// ParagraphPatch is a partial paragraph update. Nil fields are left untouched.
type ParagraphPatch struct {
	Duration           *string
	CalculatedDuration *float64
	ImageDescription   *string
	Voiceover          *string
	CharacterCount     *int
	NeedAvatar         *bool
	Images             []ImagePlacement // replaces the layer list when non-nil
	AppendImages       []ImagePlacement
	AudioPath          *string
	Video              *AvatarPlacement
}

// Apply merges the patch into p.
func (p *Paragraph) Apply(patch ParagraphPatch) {
	if patch.Duration != nil {
		p.Duration = *patch.Duration
	}
	if patch.CalculatedDuration != nil {
		p.CalculatedDuration = *patch.CalculatedDuration
	}
	if patch.ImageDescription != nil {
		p.ImageDescription = *patch.ImageDescription
	}
	if patch.Voiceover != nil {
		p.Voiceover = *patch.Voiceover
		p.CharacterCount = len([]rune(p.Voiceover))
	}
	if patch.CharacterCount != nil {
		p.CharacterCount = *patch.CharacterCount
	}
	if patch.NeedAvatar != nil {
		p.NeedAvatar = *patch.NeedAvatar
	}
	if patch.Images != nil {
		p.Images = append([]ImagePlacement{}, patch.Images...)
	}
	if len(patch.AppendImages) > 0 {
		p.Images = append(p.Images, patch.AppendImages...)
	}
	if patch.AudioPath != nil {
		p.AudioPath = *patch.AudioPath
	}
	if patch.Video != nil {
		v := *patch.Video
		p.Video = &v
	}
}

// Clone returns a deep copy of the document.
func (d *StoryboardDocument) Clone() *StoryboardDocument {
	out := *d
	out.Paragraphs = make([]Paragraph, len(d.Paragraphs))
	for i, p := range d.Paragraphs {
		cp := p
		cp.Images = append([]ImagePlacement{}, p.Images...)
		if p.Video != nil {
			v := *p.Video
			cp.Video = &v
		}
		out.Paragraphs[i] = cp
	}
	return &out
}

// Normalize fills paragraph numbers and empty layer lists.
func (d *StoryboardDocument) Normalize() {
	if d.Paragraphs == nil {
		d.Paragraphs = []Paragraph{}
	}
	for i := range d.Paragraphs {
		if d.Paragraphs[i].Paragraph == "" {
			d.Paragraphs[i].Paragraph = fmt.Sprintf("%02d", i+1)
		}
		if d.Paragraphs[i].Images == nil {
			d.Paragraphs[i].Images = []ImagePlacement{}
		}
		if d.Paragraphs[i].CharacterCount == 0 && d.Paragraphs[i].Voiceover != "" {
			d.Paragraphs[i].CharacterCount = len([]rune(d.Paragraphs[i].Voiceover))
		}
	}
}

// ParseStoryboard decodes a storyboard document. The input must be a JSON
// object containing a "storyboard" array.
func ParseStoryboard(data []byte) (*StoryboardDocument, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStoryboard, err)
	}
	raw, ok := shape["storyboard"]
	if !ok {
		return nil, fmt.Errorf("%w: missing storyboard", ErrMalformedStoryboard)
	}
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '[' {
		return nil, fmt.Errorf("%w: storyboard is not a list", ErrMalformedStoryboard)
	}

	var doc StoryboardDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStoryboard, err)
	}
	doc.Normalize()
	return &doc, nil
}

// MarshalStoryboard encodes the document the way it is persisted: two-space
// indentation, unescaped non-ASCII text and a trailing newline.
func MarshalStoryboard(doc *StoryboardDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VoiceoverTexts returns each paragraph's narration in order.
func (d *StoryboardDocument) VoiceoverTexts() []string {
	out := make([]string, len(d.Paragraphs))
	for i, p := range d.Paragraphs {
		out[i] = p.Voiceover
	}
	return out
}

// ImageDescriptions returns each paragraph's image prompt in order.
func (d *StoryboardDocument) ImageDescriptions() []string {
	out := make([]string, len(d.Paragraphs))
	for i, p := range d.Paragraphs {
		out[i] = p.ImageDescription
	}
	return out
}
