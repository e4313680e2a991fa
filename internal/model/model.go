package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Kind identifies the shape of an exam item.
type Kind string

const (
	KindSingleChoice      Kind = "single_choice"
	KindMultiChoice       Kind = "multi_choice"
	KindFillInBlanks      Kind = "fill_in_blanks"
	KindImageSingleChoice Kind = "image_single_choice"
	KindImageMultiChoice  Kind = "image_multi_choice"
	KindImageFillInBlanks Kind = "image_fill_in_blanks"
	KindAudioSingleChoice Kind = "audio_single_choice"
	KindAudioMultiChoice  Kind = "audio_multi_choice"
	KindAudioFillInBlanks Kind = "audio_fill_in_blanks"
)

// AllKinds lists every supported kind.
var AllKinds = []Kind{
	KindSingleChoice,
	KindMultiChoice,
	KindFillInBlanks,
	KindImageSingleChoice,
	KindImageMultiChoice,
	KindImageFillInBlanks,
	KindAudioSingleChoice,
	KindAudioMultiChoice,
	KindAudioFillInBlanks,
}

// DefaultKinds is the round-robin mix used when the selector fails or
// returns a single repeated kind.
var DefaultKinds = []Kind{KindSingleChoice, KindMultiChoice, KindFillInBlanks}

var subjectKinds = map[string][]Kind{
	"english": {
		KindSingleChoice,
		KindMultiChoice,
		KindFillInBlanks,
		KindImageSingleChoice,
		KindAudioSingleChoice,
		KindAudioMultiChoice,
	},
	"math": {KindSingleChoice, KindMultiChoice, KindFillInBlanks, KindImageSingleChoice},
	"cs":   {KindSingleChoice, KindMultiChoice, KindFillInBlanks, KindImageSingleChoice},
}

// KindsForSubject returns the kinds available for a subject.
// Unknown subjects get every kind.
func KindsForSubject(subject string) []Kind {
	if kinds, ok := subjectKinds[subject]; ok {
		return kinds
	}
	return AllKinds
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(AllKinds, k)
}

// IsChoice reports whether items of this kind carry options.
func (k Kind) IsChoice() bool {
	switch k {
	case KindSingleChoice, KindMultiChoice,
		KindImageSingleChoice, KindImageMultiChoice,
		KindAudioSingleChoice, KindAudioMultiChoice:
		return true
	}
	return false
}

// IsMulti reports whether more than one option may be correct.
func (k Kind) IsMulti() bool {
	return k == KindMultiChoice || k == KindImageMultiChoice || k == KindAudioMultiChoice
}

// HasImage reports whether items of this kind reference an image.
func (k Kind) HasImage() bool {
	return k == KindImageSingleChoice || k == KindImageMultiChoice || k == KindImageFillInBlanks
}

// HasAudio reports whether items of this kind reference an audio clip.
func (k Kind) HasAudio() bool {
	return k == KindAudioSingleChoice || k == KindAudioMultiChoice || k == KindAudioFillInBlanks
}

// Choice holds options and the 0-based indices of the correct ones.
type Choice struct {
	Options []string `json:"options"`
	Correct []int    `json:"correct"`
}

// Blanks holds the expected answers of a fill-in-the-blanks item, in order.
type Blanks struct {
	Count   int      `json:"count"`
	Answers []string `json:"answers"`
}

// Image is the media part of image kinds.
type Image struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url,omitempty"`
}

// DialogueLine is one spoken line of an audio script.
type DialogueLine struct {
	Voice string `json:"voice"`
	Text  string `json:"text"`
}

// Audio is the media part of audio kinds.
type Audio struct {
	Script []DialogueLine `json:"script"`
	URL    string         `json:"url,omitempty"`
}

// Item is a single exam item. Exactly the variant parts relevant to Kind
// are set; Validate enforces that.
type Item struct {
	ID          int     `json:"id,omitempty"`
	Kind        Kind    `json:"type"`
	Text        string  `json:"text"`
	Explanation string  `json:"explanation"`
	Choice      *Choice `json:"choice,omitempty"`
	Blanks      *Blanks `json:"blanks,omitempty"`
	Image       *Image  `json:"image,omitempty"`
	Audio       *Audio  `json:"audio,omitempty"`
}

// Validate checks that the item carries the parts its kind requires and nothing else.
func (it Item) Validate() error {
	if !it.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", it.Kind)
	}
	if it.Text == "" {
		return errors.New("empty text")
	}
	if it.Kind.IsChoice() {
		if it.Choice == nil || it.Blanks != nil {
			return fmt.Errorf("%s requires choice and no blanks", it.Kind)
		}
		if len(it.Choice.Options) < 2 {
			return fmt.Errorf("%s needs at least 2 options, got %d", it.Kind, len(it.Choice.Options))
		}
		if len(it.Choice.Correct) == 0 {
			return errors.New("no correct option")
		}
		if !it.Kind.IsMulti() && len(it.Choice.Correct) != 1 {
			return fmt.Errorf("%s needs exactly 1 correct option, got %d", it.Kind, len(it.Choice.Correct))
		}
		for _, c := range it.Choice.Correct {
			if c < 0 || c >= len(it.Choice.Options) {
				return fmt.Errorf("correct index %d out of range", c)
			}
		}
	} else {
		if it.Blanks == nil || it.Choice != nil {
			return fmt.Errorf("%s requires blanks and no choice", it.Kind)
		}
		if len(it.Blanks.Answers) == 0 {
			return errors.New("no blank answers")
		}
	}
	if it.Kind.HasImage() != (it.Image != nil) {
		return fmt.Errorf("%s: image part mismatch", it.Kind)
	}
	if it.Kind.HasAudio() != (it.Audio != nil) {
		return fmt.Errorf("%s: audio part mismatch", it.Kind)
	}
	return nil
}

// GenerationContext is everything that determines what a generator is asked for.
type GenerationContext struct {
	Prompt      string   `json:"prompt"`
	Digests     []string `json:"file_hashes,omitempty"`
	Temperature float64  `json:"temperature"`
	Style       string   `json:"style,omitempty"`
	Subject     string   `json:"subject,omitempty"`
}

// CachedItem is a row of the item cache.
type CachedItem struct {
	Fingerprint string    `json:"fingerprint"`
	ContentHash string    `json:"content_hash"`
	Kind        Kind      `json:"kind"`
	Item        Item      `json:"item"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExamStatus is the lifecycle state of an exam aggregate.
type ExamStatus string

const (
	ExamGenerating ExamStatus = "generating"
	ExamComplete   ExamStatus = "complete"
	ExamDegraded   ExamStatus = "degraded"
)

// ExamSnapshot is a point-in-time copy of an exam aggregate.
type ExamSnapshot struct {
	ExamID      string     `json:"exam_id"`
	Status      ExamStatus `json:"status"`
	TargetCount int        `json:"target_count"`
	Items       []Item     `json:"items"`
	CreatedAt   time.Time  `json:"created_at"`
}

// EventType tags stream events.
type EventType string

const (
	EventItem      EventType = "item"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one message pushed to stream subscribers.
type Event struct {
	Type    EventType  `json:"type"`
	Item    *Item      `json:"item,omitempty"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
	Status  ExamStatus `json:"status,omitempty"`
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	MaxItems        int           // upper bound for question_count on create
	MaxRetries      int           // extra generation rounds after the first fan-out
	MaxConcurrency  int           // concurrent generator calls per run
	GenerateTimeout time.Duration // per generator call
	Heartbeat       time.Duration // idle period before a stream heartbeat
	DefaultSubject  string
}
