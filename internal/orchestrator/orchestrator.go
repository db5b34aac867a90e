package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/retry"
	"github.com/bobarin/newsreel/internal/services"
	"github.com/bobarin/newsreel/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultImageWorkers = 5
	DefaultVoiceWorkers = 10
)

// ErrNoAvatarGenerator is returned for avatar paragraphs when no avatar
// backend is configured.
var ErrNoAvatarGenerator = errors.New("no avatar generator configured")

// Updater receives the storyboard mutations produced by generation tasks.
// *storyboard.Manager implements it.
type Updater interface {
	UpdateParagraph(index int, patch models.ParagraphPatch) error
	SetAudioPath(index int, audioPath string) error
	SetVideo(index int, video models.AvatarPlacement) error
}

// Target identifies the job a batch of assets belongs to.
type Target struct {
	JobID   string
	Title   string
	Manager Updater
}

// ImageAsset is a generated scene image, stored as Name inside the job
// directory. SourceURL is the provider's link, empty for inline image data.
type ImageAsset struct {
	Index     int
	Name      string
	SourceURL string
}

// VoiceAsset is a narration, plus the avatar clip when one was requested.
type VoiceAsset struct {
	Index      int
	AudioName  string
	DurationMs int
	AvatarName string
}

// VoiceLine is one paragraph's narration request.
type VoiceLine struct {
	Text       string
	NeedAvatar bool
}

// Options configures pool sizes, retries and where generated media lands
// on the canvas.
type Options struct {
	ImageWorkers int
	VoiceWorkers int
	Retry        retry.Policy
	SceneQuad    models.Quad
	AvatarQuad   models.Quad
	AvatarCrop   models.CropRect
	Character    models.AvatarCharacter
}

// Orchestrator fans asset generation out over bounded pools. Results are
// always index-aligned with the input; a failed task leaves a nil entry and
// never cancels its siblings.
type Orchestrator struct {
	images services.ImageGenerator
	tts    services.TTSService
	avatar services.AvatarGenerator
	store  storage.Store
	opts   Options
}

// New builds an orchestrator. avatar may be nil, in which case avatar
// paragraphs fail with ErrNoAvatarGenerator.
func New(images services.ImageGenerator, tts services.TTSService, avatar services.AvatarGenerator, store storage.Store, opts Options) *Orchestrator {
	if opts.ImageWorkers <= 0 {
		opts.ImageWorkers = DefaultImageWorkers
	}
	if opts.VoiceWorkers <= 0 {
		opts.VoiceWorkers = DefaultVoiceWorkers
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.Character == "" {
		opts.Character = models.AvatarWoman2
	}
	return &Orchestrator{images: images, tts: tts, avatar: avatar, store: store, opts: opts}
}

// GenerateImages draws one image per description. Empty descriptions are
// skipped without an external call and yield a nil entry.
func (o *Orchestrator) GenerateImages(ctx context.Context, target Target, descriptions []string) []*ImageAsset {
	results := make([]*ImageAsset, len(descriptions))

	var g errgroup.Group
	g.SetLimit(o.opts.ImageWorkers)
	for i, desc := range descriptions {
		if strings.TrimSpace(desc) == "" {
			continue
		}
		g.Go(func() error {
			asset, err := o.generateImage(ctx, target, i, desc)
			if err != nil {
				log.Printf("[Orchestrator] Job %s image %d failed: %v", target.JobID, i+1, err)
				return nil
			}
			results[i] = asset
			return nil
		})
	}
	g.Wait()

	log.Printf("[Orchestrator] Job %s images: %d/%d generated", target.JobID, count(results), len(descriptions))
	return results
}

func (o *Orchestrator) generateImage(ctx context.Context, target Target, index int, desc string) (*ImageAsset, error) {
	var img *services.GeneratedImage
	policy := o.opts.Retry
	policy.Label = fmt.Sprintf("image %d", index+1)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		img, err = o.images.GenerateImage(ctx, desc)
		return err
	})
	if err != nil {
		return nil, err
	}

	name := storage.ImageAssetName(target.Title, index, img.Ext())
	if err := o.store.Write(ctx, path.Join(target.JobID, name), img.Data); err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}

	err = target.Manager.UpdateParagraph(index, models.ParagraphPatch{
		AppendImages: []models.ImagePlacement{{ImgPath: name, Quad: o.opts.SceneQuad, ZIndex: 0}},
	})
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", name, err)
	}
	return &ImageAsset{Index: index, Name: name, SourceURL: img.SourceURL}, nil
}

// GenerateVoice synthesizes every line and, where requested, renders the
// avatar clip from the narration. Both kinds of paragraph share one pool.
// Empty lines yield a nil entry without an external call.
func (o *Orchestrator) GenerateVoice(ctx context.Context, target Target, lines []VoiceLine) []*VoiceAsset {
	results := make([]*VoiceAsset, len(lines))

	var g errgroup.Group
	g.SetLimit(o.opts.VoiceWorkers)
	for i, line := range lines {
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		g.Go(func() error {
			asset, err := o.generateVoice(ctx, target, i, line)
			if err != nil {
				log.Printf("[Orchestrator] Job %s voice %d failed: %v", target.JobID, i+1, err)
				return nil
			}
			results[i] = asset
			return nil
		})
	}
	g.Wait()

	log.Printf("[Orchestrator] Job %s voice: %d/%d generated", target.JobID, count(results), len(lines))
	return results
}

func (o *Orchestrator) generateVoice(ctx context.Context, target Target, index int, line VoiceLine) (*VoiceAsset, error) {
	var speech *services.TTSResponse
	policy := o.opts.Retry
	policy.Label = fmt.Sprintf("voice %d", index+1)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		speech, err = o.tts.Synthesize(ctx, line.Text)
		return err
	})
	if err != nil {
		return nil, err
	}

	format := speech.Format
	if format == "" {
		format = "mp3"
	}
	audioName := storage.AudioAssetName(target.Title, index, format)
	if err := o.store.Write(ctx, path.Join(target.JobID, audioName), speech.AudioData); err != nil {
		return nil, fmt.Errorf("store %s: %w", audioName, err)
	}
	if err := target.Manager.SetAudioPath(index, audioName); err != nil {
		return nil, fmt.Errorf("record %s: %w", audioName, err)
	}

	asset := &VoiceAsset{Index: index, AudioName: audioName, DurationMs: speech.DurationMs}
	if !line.NeedAvatar {
		return asset, nil
	}

	if o.avatar == nil {
		return nil, ErrNoAvatarGenerator
	}
	var clip []byte
	policy.Label = fmt.Sprintf("avatar %d", index+1)
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		clip, err = o.avatar.GenerateAvatarVideo(ctx, speech.AudioData, audioName, o.opts.Character)
		return err
	})
	if err != nil {
		return nil, err
	}

	avatarName := storage.AvatarAssetName(target.Title, index)
	if err := o.store.Write(ctx, path.Join(target.JobID, avatarName), clip); err != nil {
		return nil, fmt.Errorf("store %s: %w", avatarName, err)
	}
	err = target.Manager.SetVideo(index, models.AvatarPlacement{
		AvatarPath: avatarName,
		Quad:       o.opts.AvatarQuad,
		Crop:       o.opts.AvatarCrop,
	})
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", avatarName, err)
	}
	asset.AvatarName = avatarName
	return asset, nil
}

// Holes returns the indices of nil entries.
func Holes[T any](results []*T) []int {
	var holes []int
	for i, r := range results {
		if r == nil {
			holes = append(holes, i)
		}
	}
	return holes
}

func count[T any](results []*T) int {
	n := 0
	for _, r := range results {
		if r != nil {
			n++
		}
	}
	return n
}
