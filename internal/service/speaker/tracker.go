// Package speaker maps raw diarization tags to user-facing identities.
package speaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/observability/logging"
)

// ErrEmptyTag is returned when a rename names no speaker.
var ErrEmptyTag = errors.New("speaker tag is empty")

// Identity is a speaker as shown to the user.
type Identity struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	SegmentCount int    `json:"segmentCount"`
}

// LabelStore persists labels keyed by raw tag. Implementations must be safe
// for concurrent use.
type LabelStore interface {
	// Get returns the stored label; ok is false when none exists.
	Get(ctx context.Context, rawTag string) (label string, ok bool, err error)
	Set(ctx context.Context, rawTag, label string) error
}

// Tracker holds the identities seen in one recording. Labels outlive the
// tracker through its LabelStore.
//
// Resolve never touches the store on the caller's goroutine: a new speaker
// starts out labelled with its raw tag and the persisted label replaces it
// once loaded, unless the speaker was renamed in the meantime.
type Tracker struct {
	store   LabelStore
	timeout time.Duration
	logger  zerolog.Logger
	loads   sync.WaitGroup

	mu      sync.RWMutex
	order   []string
	labels  map[string]string
	loading map[string]bool
}

// NewTracker creates a tracker backed by store. A nil store keeps labels in
// memory only.
func NewTracker(store LabelStore) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:   store,
		timeout: 500 * time.Millisecond,
		logger:  logging.WithComponent("speaker"),
		labels:  make(map[string]string),
		loading: make(map[string]bool),
	}
}

// Resolve returns the identity for rawTag, creating it on first sighting.
// SegmentCount is left zero; see Identities.
func (t *Tracker) Resolve(rawTag string) Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	label, seen := t.labels[rawTag]
	if seen && t.indexOf(rawTag) >= 0 {
		return Identity{ID: rawTag, Label: label}
	}
	t.order = append(t.order, rawTag)
	if !seen {
		label = rawTag
		t.labels[rawTag] = label
		t.loading[rawTag] = true
		t.loads.Add(1)
		go t.load(rawTag)
	}

	t.logger.Debug().
		Str("speakerTag", rawTag).
		Str("label", label).
		Msg("Speaker identified")

	return Identity{ID: rawTag, Label: label}
}

// load fetches the persisted label of rawTag and applies it unless a rename
// got there first.
func (t *Tracker) load(rawTag string) {
	defer t.loads.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	label, ok, err := t.store.Get(ctx, rawTag)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loading[rawTag] {
		return
	}
	delete(t.loading, rawTag)

	if err != nil {
		t.logger.Warn().Err(err).Str("speakerTag", rawTag).Msg("Failed to load speaker label")
		return
	}
	if ok && label != "" {
		t.labels[rawTag] = label
		t.logger.Debug().Str("speakerTag", rawTag).Str("label", label).Msg("Loaded speaker label")
	}
}

// Wait blocks until every label load started by Resolve has finished.
func (t *Tracker) Wait() {
	t.loads.Wait()
}

// Rename sets the label for rawTag. The in-memory label always changes;
// a persistence failure is logged and otherwise ignored. An empty label
// resets the speaker to its raw tag.
func (t *Tracker) Rename(rawTag, label string) error {
	rawTag = strings.TrimSpace(rawTag)
	if rawTag == "" {
		return ErrEmptyTag
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = rawTag
	}

	t.mu.Lock()
	t.labels[rawTag] = label
	delete(t.loading, rawTag)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.store.Set(ctx, rawTag, label); err != nil {
		t.logger.Warn().
			Err(err).
			Str("speakerTag", rawTag).
			Msg("Failed to persist speaker label, keeping it for this session only")
	}

	t.logger.Info().
		Str("speakerTag", rawTag).
		Str("label", label).
		Msg("Speaker renamed")
	return nil
}

// Label returns the display label for rawTag without registering it.
func (t *Tracker) Label(rawTag string) string {
	if rawTag == "" {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if label, ok := t.labels[rawTag]; ok {
		return label
	}
	return rawTag
}

// Identities lists the speakers seen so far in first-seen order, with
// SegmentCount taken from counts (raw tag to number of segments).
func (t *Tracker) Identities(counts map[string]int) []Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Identity, 0, len(t.order))
	for _, tag := range t.order {
		out = append(out, Identity{
			ID:           tag,
			Label:        t.labels[tag],
			SegmentCount: counts[tag],
		})
	}
	return out
}

// indexOf must be called with mu held.
func (t *Tracker) indexOf(rawTag string) int {
	for i, tag := range t.order {
		if tag == rawTag {
			return i
		}
	}
	return -1
}
