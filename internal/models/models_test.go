package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"final_video": "final_video.mp4",
		"rendered":    2,
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	if data == nil {
		t.Fatal("expected non-nil data")
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["final_video"] != "final_video.mp4" {
		t.Errorf("expected final_video=final_video.mp4, got %v", result["final_video"])
	}
}

func TestJSONBScan(t *testing.T) {
	jsonData := []byte(`{"final_video": "out.mp4", "rendered": 3}`)

	var j JSONB
	if err := j.Scan(jsonData); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if j["final_video"] != "out.mp4" {
		t.Errorf("expected final_video=out.mp4, got %v", j["final_video"])
	}

	if j["rendered"].(float64) != 3 {
		t.Errorf("expected rendered=3, got %v", j["rendered"])
	}
}

func TestJobStates(t *testing.T) {
	states := []JobState{
		JobStateIdle,
		JobStateGenerating,
		JobStateCompleted,
		JobStateError,
	}

	for _, s := range states {
		if s == "" {
			t.Error("job state should not be empty")
		}
	}
}

func TestPointJSON(t *testing.T) {
	data, err := json.Marshal(Point{410, 274.5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[410,274.5]" {
		t.Errorf("expected [410,274.5], got %s", data)
	}

	var p Point
	if err := json.Unmarshal([]byte("[996, 140]"), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.X != 996 || p.Y != 140 {
		t.Errorf("expected (996,140), got (%v,%v)", p.X, p.Y)
	}

	if err := json.Unmarshal([]byte(`{"x":1}`), &p); err == nil {
		t.Error("expected error for object-shaped point")
	}
}

func TestImagePlacementUsesHyphenatedCorners(t *testing.T) {
	ip := ImagePlacement{ImgPath: "a.png", Quad: RectQuad(0, 0, 1024, 1024), ZIndex: -1}
	data, err := json.Marshal(ip)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, key := range []string{`"img_path":"a.png"`, `"top-left":[0,0]`, `"bottom-right":[1024,1024]`, `"z_index":-1`} {
		if !strings.Contains(s, key) {
			t.Errorf("expected %s in %s", key, s)
		}
	}
}

func TestParseStoryboard(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		paras   int
	}{
		{"valid", `{"title":"t","storyboard":[{"voiceover":"hello"}]}`, false, 1},
		{"empty list", `{"title":"t","storyboard":[]}`, false, 0},
		{"missing storyboard", `{"title":"t"}`, true, 0},
		{"storyboard not list", `{"storyboard":{"a":1}}`, true, 0},
		{"not an object", `[1,2,3]`, true, 0},
		{"garbage", `not json`, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseStoryboard([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedStoryboard) {
					t.Fatalf("expected ErrMalformedStoryboard, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(doc.Paragraphs) != tt.paras {
				t.Fatalf("expected %d paragraphs, got %d", tt.paras, len(doc.Paragraphs))
			}
		})
	}
}

func TestParseStoryboardNormalizes(t *testing.T) {
	doc, err := ParseStoryboard([]byte(`{"storyboard":[{"voiceover":"新聞"},{}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Paragraphs[0].Paragraph != "01" || doc.Paragraphs[1].Paragraph != "02" {
		t.Errorf("expected numbered paragraphs, got %q %q", doc.Paragraphs[0].Paragraph, doc.Paragraphs[1].Paragraph)
	}
	if doc.Paragraphs[0].CharacterCount != 2 {
		t.Errorf("expected characterCount=2, got %d", doc.Paragraphs[0].CharacterCount)
	}
	if doc.Paragraphs[1].Images == nil {
		t.Error("expected non-nil images slice")
	}
}

func TestMarshalStoryboardKeepsUnicode(t *testing.T) {
	doc := &StoryboardDocument{Title: "颱風 <速報>", Paragraphs: []Paragraph{DefaultParagraph(0)}}
	data, err := MarshalStoryboard(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "颱風 <速報>") {
		t.Errorf("expected raw title in output, got %s", s)
	}
	if !strings.HasSuffix(s, "\n") || !strings.Contains(s, "\n  \"title\"") {
		t.Errorf("expected indented output with trailing newline, got %q", s)
	}
}

func TestParagraphApply(t *testing.T) {
	p := DefaultParagraph(0)
	desc := "harbor at dusk"
	audio := "a_1.mp3"
	p.Apply(ParagraphPatch{ImageDescription: &desc, AppendImages: []ImagePlacement{{ImgPath: "bg.png", ZIndex: -1}}})
	p.Apply(ParagraphPatch{AudioPath: &audio, AppendImages: []ImagePlacement{{ImgPath: "scene.png"}}})

	if p.ImageDescription != desc {
		t.Errorf("expected description %q, got %q", desc, p.ImageDescription)
	}
	if p.AudioPath != audio {
		t.Errorf("expected audio %q, got %q", audio, p.AudioPath)
	}
	if len(p.Images) != 2 || p.Images[1].ImgPath != "scene.png" {
		t.Errorf("expected appended images, got %+v", p.Images)
	}

	p.Apply(ParagraphPatch{Images: []ImagePlacement{}})
	if len(p.Images) != 0 {
		t.Errorf("expected images replaced, got %+v", p.Images)
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := &StoryboardDocument{Paragraphs: []Paragraph{{
		Images: []ImagePlacement{{ImgPath: "a.png"}},
		Video:  &AvatarPlacement{AvatarPath: "v.mp4"},
	}}}
	cp := doc.Clone()
	cp.Paragraphs[0].Images[0].ImgPath = "b.png"
	cp.Paragraphs[0].Video.AvatarPath = "w.mp4"

	if doc.Paragraphs[0].Images[0].ImgPath != "a.png" {
		t.Error("clone shares images with original")
	}
	if doc.Paragraphs[0].Video.AvatarPath != "v.mp4" {
		t.Error("clone shares video with original")
	}
}
