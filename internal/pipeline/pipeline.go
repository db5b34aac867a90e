package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bobarin/newsreel/internal/config"
	"github.com/bobarin/newsreel/internal/jobs"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/orchestrator"
	"github.com/bobarin/newsreel/internal/render"
	"github.com/bobarin/newsreel/internal/retry"
	"github.com/bobarin/newsreel/internal/services"
	"github.com/bobarin/newsreel/internal/storage"
	"github.com/bobarin/newsreel/internal/storyboard"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoArticles  = errors.New("no articles found for keyword")
	ErrNoParagraph = errors.New("no paragraph could be rendered")
)

// Scripter writes a storyboard from source articles.
type Scripter interface {
	GenerateStoryboard(ctx context.Context, keyword string, articles []models.Article) (*models.StoryboardDocument, error)
}

// Generator produces per-paragraph media. *orchestrator.Orchestrator implements it.
type Generator interface {
	GenerateImages(ctx context.Context, target orchestrator.Target, descriptions []string) []*orchestrator.ImageAsset
	GenerateVoice(ctx context.Context, target orchestrator.Target, lines []orchestrator.VoiceLine) []*orchestrator.VoiceAsset
}

// Renderer turns a finished storyboard into clips. *render.Renderer implements it.
type Renderer interface {
	RenderAll(ctx context.Context, jobDir string, doc *models.StoryboardDocument) ([]string, []render.Failure)
	Concatenate(ctx context.Context, paths []string, out string) error
}

type Deps struct {
	Store      *storage.Local
	Articles   services.ArticleSource
	Scripter   Scripter
	Generator  Generator
	Renderer   Renderer
	Publishers []services.Publisher
	Layout     config.Layout
	Retry      retry.Policy
}

// Pipeline drives one job from keyword or storyboard to a published video.
type Pipeline struct {
	store      *storage.Local
	articles   services.ArticleSource
	scripter   Scripter
	gen        Generator
	renderer   Renderer
	publishers []services.Publisher
	layout     config.Layout
	retry      retry.Policy
}

func New(d Deps) *Pipeline {
	if d.Retry.Attempts <= 0 {
		d.Retry = retry.DefaultPolicy
	}
	return &Pipeline{
		store:      d.Store,
		articles:   d.Articles,
		scripter:   d.Scripter,
		gen:        d.Generator,
		renderer:   d.Renderer,
		publishers: d.Publishers,
		layout:     d.Layout,
		retry:      d.Retry,
	}
}

// Run executes the job end to end. Failed images, narrations or paragraphs
// do not fail the job as long as one paragraph renders; they are reported
// in the result.
func (p *Pipeline) Run(ctx context.Context, jobID string, spec jobs.Spec) (*models.JobResult, error) {
	if err := storage.ValidateJobID(jobID); err != nil {
		return nil, err
	}

	doc, err := p.storyboard(ctx, spec)
	if err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Job %s: storyboard %q with %d paragraphs", jobID, doc.Title, len(doc.Paragraphs))

	if err := p.store.RemoveAll(jobID); err != nil {
		return nil, fmt.Errorf("reset job directory: %w", err)
	}
	if err := p.store.MkdirAll(jobID); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}
	jobDir, err := p.store.Path(jobID)
	if err != nil {
		return nil, err
	}

	// random_id names the job directory
	mgr, err := storyboard.New(ctx, p.store, jobID, jobID, doc)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	if err := p.addBackground(ctx, jobID, mgr); err != nil {
		return nil, err
	}
	if err := p.addCredit(ctx, jobID, doc.SourceURL, mgr); err != nil {
		log.Printf("[Pipeline] Job %s: source credit skipped: %v", jobID, err)
	}

	target := orchestrator.Target{JobID: jobID, Title: doc.Title, Manager: mgr}
	descriptions := doc.ImageDescriptions()
	lines := make([]orchestrator.VoiceLine, len(doc.Paragraphs))
	for i, para := range doc.Paragraphs {
		lines[i] = orchestrator.VoiceLine{Text: para.Voiceover, NeedAvatar: para.NeedAvatar}
	}

	var (
		images []*orchestrator.ImageAsset
		voices []*orchestrator.VoiceAsset
	)
	var g errgroup.Group
	g.Go(func() error {
		images = p.gen.GenerateImages(ctx, target, descriptions)
		return nil
	})
	g.Go(func() error {
		voices = p.gen.GenerateVoice(ctx, target, lines)
		return nil
	})
	g.Wait()

	mgr.Drain()
	snap, err := mgr.Snapshot()
	if err != nil {
		return nil, err
	}

	clips, failures := p.renderer.RenderAll(ctx, jobDir, snap)
	if len(clips) == 0 {
		return nil, fmt.Errorf("%w (%d paragraphs)", ErrNoParagraph, len(snap.Paragraphs))
	}

	final := filepath.Join(jobDir, storage.FinalVideoFile)
	if err := p.renderer.Concatenate(ctx, clips, final); err != nil {
		return nil, fmt.Errorf("concatenate: %w", err)
	}
	log.Printf("[Pipeline] Job %s: final video from %d/%d paragraphs", jobID, len(clips), len(snap.Paragraphs))

	result := &models.JobResult{
		FinalVideo: storage.FinalVideoFile,
		Paragraphs: len(snap.Paragraphs),
		Rendered:   len(clips),
		ImageHoles: requestedHoles(orchestrator.Holes(images), descriptions),
		VoiceHoles: requestedHoles(orchestrator.Holes(voices), doc.VoiceoverTexts()),
	}
	for _, f := range failures {
		result.SkippedParagraphs = append(result.SkippedParagraphs, f.Index)
	}
	result.PublishedURLs = p.publish(ctx, jobID, final)
	return result, nil
}

func (p *Pipeline) storyboard(ctx context.Context, spec jobs.Spec) (*models.StoryboardDocument, error) {
	if spec.Story != nil {
		doc := spec.Story.Clone()
		doc.Normalize()
		return doc, nil
	}

	var articles []models.Article
	policy := p.retry
	policy.Label = "articles"
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		articles, err = p.articles.GetKeywordArticles(ctx, spec.Keyword)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch articles: %w", err)
	}
	if len(articles) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoArticles, spec.Keyword)
	}

	var doc *models.StoryboardDocument
	policy.Label = "storyboard"
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		doc, err = p.scripter.GenerateStoryboard(ctx, spec.Keyword, articles)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("write storyboard: %w", err)
	}
	return doc, nil
}

// addBackground copies the configured background into the job and layers
// it under every paragraph. No background leaves the canvas black.
func (p *Pipeline) addBackground(ctx context.Context, jobID string, mgr *storyboard.Manager) error {
	if p.layout.Background == "" {
		return nil
	}
	data, err := os.ReadFile(p.layout.Background)
	if err != nil {
		return fmt.Errorf("read background: %w", err)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(p.layout.Background), "."))
	name := storage.BackgroundStem + "." + ext
	if err := storage.ValidateAssetName(name); err != nil {
		return fmt.Errorf("background %s: %w", p.layout.Background, err)
	}
	if err := p.store.Write(ctx, path.Join(jobID, name), data); err != nil {
		return fmt.Errorf("copy background: %w", err)
	}

	w, h := float64(p.layout.Canvas.Width), float64(p.layout.Canvas.Height)
	return mgr.AddImageToAll(models.ImagePlacement{
		ImgPath: name,
		Quad:    models.RectQuad(0, 0, w, h),
		ZIndex:  -1,
	})
}

func (p *Pipeline) addCredit(ctx context.Context, jobID, sourceURL string, mgr *storyboard.Manager) error {
	if !p.layout.Credit.Enabled || sourceURL == "" {
		return nil
	}
	data, placement, err := render.SourceCredit(sourceURL, p.layout.Credit.Size, p.layout.Credit.Quad.Quad())
	if err != nil {
		return err
	}
	if err := p.store.Write(ctx, path.Join(jobID, placement.ImgPath), data); err != nil {
		return err
	}
	return mgr.AddImageToAll(placement)
}

func (p *Pipeline) publish(ctx context.Context, jobID, final string) []string {
	var urls []string
	for _, pub := range p.publishers {
		url, err := pub.Publish(ctx, jobID, final)
		if err != nil {
			log.Printf("[Pipeline] Job %s: publish failed: %v", jobID, err)
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

// requestedHoles drops holes for inputs that were empty and never generated.
func requestedHoles(holes []int, inputs []string) []int {
	var out []int
	for _, i := range holes {
		if strings.TrimSpace(inputs[i]) != "" {
			out = append(out, i)
		}
	}
	return out
}
