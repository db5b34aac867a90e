package storyboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sync"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/storage"
)

// ---------------------------------------------------------------------------
// Storyboard Manager
// One goroutine owns the document. Every mutation is a command on a FIFO
// channel; the owner applies it and persists the whole document before taking
// the next one.
// ---------------------------------------------------------------------------

// ErrClosed is returned for commands submitted after Close.
var ErrClosed = errors.New("storyboard manager closed")

// ErrInvalidIndex is returned synchronously for negative paragraph indices.
var ErrInvalidIndex = errors.New("invalid paragraph index")

const commandBuffer = 64

type commandKind int

const (
	cmdUpdate commandKind = iota
	cmdSetAudio
	cmdSetVideo
	cmdAddImageToAll
	cmdSnapshot
	cmdBarrier
)

type command struct {
	kind  commandKind
	index int
	patch models.ParagraphPatch
	image models.ImagePlacement
	reply chan *models.StoryboardDocument
	done  chan struct{}
}

func (c command) mutates() bool {
	return c.kind != cmdSnapshot && c.kind != cmdBarrier
}

// Manager is the single authoritative document for one job.
type Manager struct {
	store storage.Store
	path  string

	mu     sync.RWMutex // guards closed and sends on cmds
	closed bool
	cmds   chan command
	exited chan struct{}

	// owned by run
	doc *models.StoryboardDocument
}

// New loads <jobDir>/story_board.json when it exists and is well formed,
// otherwise starts from initial (or an empty document), stamps randomID,
// persists, and starts the writer.
func New(ctx context.Context, store storage.Store, jobDir, randomID string, initial *models.StoryboardDocument) (*Manager, error) {
	m := &Manager{
		store:  store,
		path:   path.Join(jobDir, storage.StoryboardFile),
		cmds:   make(chan command, commandBuffer),
		exited: make(chan struct{}),
	}

	doc, err := m.load(ctx)
	if err != nil {
		log.Printf("[Storyboard] Ignoring persisted document at %s: %v", m.path, err)
	}
	if doc == nil {
		if initial != nil {
			doc = initial.Clone()
		} else {
			doc = &models.StoryboardDocument{}
		}
	}
	doc.RandomID = randomID
	doc.Normalize()
	m.doc = doc

	if err := m.persist(ctx); err != nil {
		return nil, fmt.Errorf("failed to persist initial storyboard: %w", err)
	}

	go m.run()
	return m, nil
}

func (m *Manager) load(ctx context.Context) (*models.StoryboardDocument, error) {
	ok, err := m.store.Exists(ctx, m.path)
	if err != nil || !ok {
		return nil, err
	}
	data, err := m.store.Read(ctx, m.path)
	if err != nil {
		return nil, err
	}
	return models.ParseStoryboard(data)
}

func (m *Manager) persist(ctx context.Context) error {
	data, err := models.MarshalStoryboard(m.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal storyboard: %w", err)
	}
	return m.store.Write(ctx, m.path, data)
}

// Path returns the store path of the persisted document.
func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) run() {
	defer close(m.exited)
	ctx := context.Background()

	for cmd := range m.cmds {
		switch cmd.kind {
		case cmdUpdate:
			m.ensureIndex(cmd.index)
			m.doc.Paragraphs[cmd.index].Apply(cmd.patch)
		case cmdSetAudio, cmdSetVideo:
			if cmd.index >= len(m.doc.Paragraphs) {
				log.Printf("[Storyboard] Index %d out of range (%d paragraphs), ignoring update", cmd.index, len(m.doc.Paragraphs))
				continue
			}
			m.doc.Paragraphs[cmd.index].Apply(cmd.patch)
		case cmdAddImageToAll:
			for i := range m.doc.Paragraphs {
				m.doc.Paragraphs[i].Images = append(m.doc.Paragraphs[i].Images, cmd.image)
			}
		case cmdSnapshot:
			cmd.reply <- m.doc.Clone()
		case cmdBarrier:
			close(cmd.done)
		}

		if cmd.mutates() {
			if err := m.persist(ctx); err != nil {
				log.Printf("[Storyboard] Failed to persist %s: %v", m.path, err)
			}
		}
	}
}

// ensureIndex grows the list with default paragraphs up to and including index.
func (m *Manager) ensureIndex(index int) {
	for len(m.doc.Paragraphs) <= index {
		m.doc.Paragraphs = append(m.doc.Paragraphs, models.DefaultParagraph(len(m.doc.Paragraphs)))
	}
}

func (m *Manager) submit(cmd command) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.cmds <- cmd
	return nil
}

// UpdateParagraph merges patch into paragraph index, synthesizing default
// paragraphs when index is past the end.
func (m *Manager) UpdateParagraph(index int, patch models.ParagraphPatch) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return m.submit(command{kind: cmdUpdate, index: index, patch: patch})
}

// SetAudioPath records the narration asset. Out-of-range indices are ignored.
func (m *Manager) SetAudioPath(index int, audioPath string) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return m.submit(command{kind: cmdSetAudio, index: index, patch: models.ParagraphPatch{AudioPath: &audioPath}})
}

// SetVideo records the avatar placement. Out-of-range indices are ignored.
func (m *Manager) SetVideo(index int, video models.AvatarPlacement) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return m.submit(command{kind: cmdSetVideo, index: index, patch: models.ParagraphPatch{Video: &video}})
}

// AddImageToAll appends a layer to every paragraph.
func (m *Manager) AddImageToAll(image models.ImagePlacement) error {
	return m.submit(command{kind: cmdAddImageToAll, image: image})
}

// Snapshot returns a copy of the document after every earlier command.
func (m *Manager) Snapshot() (*models.StoryboardDocument, error) {
	reply := make(chan *models.StoryboardDocument, 1)
	if err := m.submit(command{kind: cmdSnapshot, reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// Drain blocks until every previously submitted command is applied and persisted.
func (m *Manager) Drain() {
	done := make(chan struct{})
	if err := m.submit(command{kind: cmdBarrier, done: done}); err != nil {
		<-m.exited
		return
	}
	<-done
}

// Close drains outstanding commands and stops the writer.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.cmds)
	}
	m.mu.Unlock()
	<-m.exited
}
