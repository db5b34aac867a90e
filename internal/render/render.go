package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bobarin/newsreel/internal/compositor"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/storage"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
)

// Memory budget for one paragraph render: the composed frames in flight
// plus the decoder and encoder processes.
const renderMemoryBytes = 768 << 20

// ErrInvalidParagraph is returned when a paragraph lacks the media its
// kind requires: an avatar placement for avatar paragraphs, narration
// audio otherwise.
var ErrInvalidParagraph = errors.New("paragraph is missing required media")

type Options struct {
	Canvas     image.Point
	FPS        int
	Threshold  uint8
	BlurKernel int
	Workers    int // 0 sizes the pool from the host
}

// Renderer turns storyboard paragraphs into video clips.
type Renderer struct {
	media Media
	opts  Options
}

// Failure records a paragraph that could not be rendered.
type Failure struct {
	Index int
	Err   error
}

func New(media Media, opts Options) *Renderer {
	if opts.FPS <= 0 {
		opts.FPS = 24
	}
	if opts.BlurKernel <= 0 {
		opts.BlurKernel = compositor.DefaultBlurKernel
	}
	return &Renderer{media: media, opts: opts}
}

// RenderParagraph renders paragraph index into paragraph_<nn>.mp4 inside
// jobDir and returns its path. Asset paths in the paragraph are relative
// to jobDir.
func (r *Renderer) RenderParagraph(ctx context.Context, jobDir string, index int, p models.Paragraph) (string, error) {
	if p.NeedAvatar && p.Video == nil {
		return "", fmt.Errorf("%w: paragraph %d needs an avatar but has no video", ErrInvalidParagraph, index+1)
	}
	if !p.NeedAvatar && p.AudioPath == "" {
		return "", fmt.Errorf("%w: paragraph %d has no audio", ErrInvalidParagraph, index+1)
	}

	background := r.composeBackground(jobDir, index, p.Images)
	out := filepath.Join(jobDir, storage.ParagraphVideoName(index))

	if p.NeedAvatar {
		if err := r.renderAvatar(ctx, jobDir, index, *p.Video, background, out); err != nil {
			return "", err
		}
	} else {
		if err := r.renderStatic(ctx, jobDir, index, p.AudioPath, background, out); err != nil {
			return "", err
		}
	}
	log.Printf("[Render] Paragraph %d rendered to %s", index+1, filepath.Base(out))
	return out, nil
}

func (r *Renderer) composeBackground(jobDir string, index int, images []models.ImagePlacement) *image.RGBA {
	layers := make([]compositor.Layer, 0, len(images))
	for _, placement := range images {
		p, err := assetPath(jobDir, placement.ImgPath)
		if err != nil {
			log.Printf("[Render] Paragraph %d: skipping layer %q: %v", index+1, placement.ImgPath, err)
			continue
		}
		img, err := compositor.LoadImage(p)
		if err != nil {
			log.Printf("[Render] Paragraph %d: skipping layer %q: %v", index+1, placement.ImgPath, err)
			continue
		}
		layers = append(layers, compositor.Layer{
			Name:   placement.ImgPath,
			Image:  img,
			Quad:   placement.Quad,
			ZIndex: placement.ZIndex,
		})
	}
	return compositor.ComposeLayers(r.opts.Canvas, layers).RGBA()
}

func (r *Renderer) renderStatic(ctx context.Context, jobDir string, index int, audioName string, background *image.RGBA, out string) error {
	audio, err := assetPath(jobDir, audioName)
	if err != nil {
		return err
	}
	duration, err := r.media.GetMediaDuration(ctx, audio)
	if err != nil {
		return fmt.Errorf("paragraph %d audio: %w", index+1, err)
	}

	data, err := compositor.EncodePNG(background)
	if err != nil {
		return err
	}
	still := filepath.Join(jobDir, fmt.Sprintf("paragraph_%02d_still.png", index+1))
	if err := os.WriteFile(still, data, 0o644); err != nil {
		return fmt.Errorf("write still: %w", err)
	}
	defer os.Remove(still)

	if err := r.media.RenderStill(ctx, still, audio, duration, r.opts.FPS, out); err != nil {
		return fmt.Errorf("paragraph %d: %w", index+1, err)
	}
	return nil
}

func (r *Renderer) renderAvatar(ctx context.Context, jobDir string, index int, video models.AvatarPlacement, background *image.RGBA, out string) error {
	src, err := assetPath(jobDir, video.AvatarPath)
	if err != nil {
		return err
	}
	info, err := r.media.ProbeVideo(ctx, src)
	if err != nil {
		return fmt.Errorf("paragraph %d avatar: %w", index+1, err)
	}

	crop := image.Rect(video.Crop.X, video.Crop.Y, video.Crop.X+video.Crop.Width, video.Crop.Y+video.Crop.Height)
	keyer, err := compositor.NewKeyer(image.Pt(info.Width, info.Height), crop, r.opts.Threshold, r.opts.Canvas, video.Quad, r.opts.BlurKernel)
	if err != nil {
		return fmt.Errorf("paragraph %d avatar: %w", index+1, err)
	}

	fps := info.FPS
	if fps <= 0 {
		fps = float64(r.opts.FPS)
	}
	silent := filepath.Join(jobDir, fmt.Sprintf("paragraph_%02d_silent.mp4", index+1))
	defer os.Remove(silent)

	enc, err := r.media.OpenEncoder(ctx, silent, r.opts.Canvas.X, r.opts.Canvas.Y, fps)
	if err != nil {
		return fmt.Errorf("paragraph %d encoder: %w", index+1, err)
	}

	frames := 0
	decodeErr := r.media.DecodeFrames(ctx, src, info.Width, info.Height, func(i int, frame *image.RGBA) error {
		composed, err := keyer.Apply(frame, background)
		if err != nil {
			return err
		}
		frames++
		return enc.WriteFrame(composed)
	})
	closeErr := enc.Close()
	if decodeErr != nil {
		return fmt.Errorf("paragraph %d frames: %w", index+1, decodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("paragraph %d encode: %w", index+1, closeErr)
	}
	if frames == 0 {
		return fmt.Errorf("paragraph %d: avatar video has no frames", index+1)
	}
	log.Printf("[Render] Paragraph %d: keyed %d avatar frames at %.2f fps", index+1, frames, fps)

	if err := r.media.MuxAudio(ctx, silent, src, out); err != nil {
		return fmt.Errorf("paragraph %d mux: %w", index+1, err)
	}
	return nil
}

// RenderAll renders every paragraph on a bounded pool. Successful clips are
// returned in paragraph order; failed paragraphs are skipped and reported.
func (r *Renderer) RenderAll(ctx context.Context, jobDir string, doc *models.StoryboardDocument) ([]string, []Failure) {
	n := len(doc.Paragraphs)
	paths := make([]string, n)
	var (
		mu       sync.Mutex
		failures []Failure
	)

	workers := r.workers()
	log.Printf("[Render] Rendering %d paragraphs with %d workers", n, workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range doc.Paragraphs {
		p := doc.Paragraphs[i]
		g.Go(func() error {
			out, err := r.RenderParagraph(ctx, jobDir, i, p)
			if err != nil {
				log.Printf("[Render] Paragraph %d skipped: %v", i+1, err)
				mu.Lock()
				failures = append(failures, Failure{Index: i, Err: err})
				mu.Unlock()
				return nil
			}
			paths[i] = out
			return nil
		})
	}
	g.Wait()

	rendered := make([]string, 0, n)
	for _, p := range paths {
		if p != "" {
			rendered = append(rendered, p)
		}
	}
	sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })
	return rendered, failures
}

// Concatenate joins paragraph clips in order into out.
func (r *Renderer) Concatenate(ctx context.Context, paths []string, out string) error {
	return r.media.ConcatenateClips(ctx, paths, out, r.opts.Canvas.X, r.opts.Canvas.Y, r.opts.FPS)
}

// workers sizes the render pool by physical cores and available memory.
func (r *Renderer) workers() int {
	if r.opts.Workers > 0 {
		return r.opts.Workers
	}

	n := 1
	if cores, err := cpu.Counts(false); err == nil && cores > 0 {
		n = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		byMem := int(vm.Available / renderMemoryBytes)
		if byMem < n {
			n = byMem
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// assetPath resolves a job-relative asset name inside jobDir.
func assetPath(jobDir, name string) (string, error) {
	if err := storage.ValidateAssetName(name); err != nil {
		return "", err
	}
	return filepath.Join(jobDir, name), nil
}
