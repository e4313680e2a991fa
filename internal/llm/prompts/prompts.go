package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/examgen/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.tmpl
var Templates embed.FS

// MaxTopicRunes bounds the user-supplied topic.
const MaxTopicRunes = 10000

var (
	instructionTagRegex = regexp.MustCompile(`(?i)</?\s*(system-instructions|system|instructions|assistant)\b[^>]*>`)
	topicTagRegex       = regexp.MustCompile(`(?i)</?\s*topic\b[^>]*>`)
)

// Voices are the speech voices the audio script may use.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

var (
	loadOnce         sync.Once
	loadErr          error
	itemTemplate     *template.Template
	selectorTemplate *template.Template
)

// ItemData holds template data for item generation prompts.
type ItemData struct {
	Kind     model.Kind
	Subject  string
	Style    string
	Language string
	Choice   bool
	Multi    bool
	Blanks   bool
	Image    bool
	Audio    bool
	Voices   string
	Schema   string
}

// SelectorData holds template data for the type selection prompt.
type SelectorData struct {
	Count   int
	Subject string
	Kinds   string
}

// Load parses templates/item.tmpl and templates/selector.tmpl from fsys.
// Only the first call has an effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		itemTemplate, loadErr = parse(fsys, "templates/item.tmpl")
		if loadErr != nil {
			return
		}
		selectorTemplate, loadErr = parse(fsys, "templates/selector.tmpl")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	return tmpl, nil
}

// BuildItemPrompt returns the system and user prompts asking for one item of kind.
// schema is the JSON schema of the expected response.
func BuildItemPrompt(kind model.Kind, gc model.GenerationContext, language string, schema []byte) (system, user string, err error) {
	if itemTemplate == nil {
		if loadErr != nil {
			return "", "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", "", errors.New("templates not initialized: call Load first")
	}
	data := ItemData{
		Kind:     kind,
		Subject:  gc.Subject,
		Style:    SanitizeTopic(gc.Style),
		Language: language,
		Choice:   kind.IsChoice(),
		Multi:    kind.IsMulti(),
		Blanks:   !kind.IsChoice(),
		Image:    kind.HasImage(),
		Audio:    kind.HasAudio(),
		Voices:   strings.Join(Voices, ", "),
		Schema:   string(schema),
	}
	var buf bytes.Buffer
	if err := itemTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	return buf.String(), topicMessage(gc.Prompt), nil
}

// BuildSelectorPrompt returns the system and user prompts asking for count item kinds.
func BuildSelectorPrompt(gc model.GenerationContext, kinds []model.Kind, count int) (system, user string, err error) {
	if selectorTemplate == nil {
		if loadErr != nil {
			return "", "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", "", errors.New("templates not initialized: call Load first")
	}
	kindsJSON, err := json.Marshal(kinds)
	if err != nil {
		return "", "", err
	}
	data := SelectorData{Count: count, Subject: gc.Subject, Kinds: string(kindsJSON)}
	var buf bytes.Buffer
	if err := selectorTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	return buf.String(), topicMessage(gc.Prompt), nil
}

func topicMessage(prompt string) string {
	topic := SanitizeTopic(prompt)
	if topic == "" {
		topic = "[No topic provided]"
	}
	return "<topic>\n" + topic + "\n</topic>"
}

// SanitizeTopic strips instruction and topic tags, trims whitespace and
// truncates the result to MaxTopicRunes runes.
func SanitizeTopic(s string) string {
	s = instructionTagRegex.ReplaceAllString(s, "")
	s = topicTagRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > MaxTopicRunes {
		runes := []rune(s)
		s = string(runes[:MaxTopicRunes])
	}
	return s
}
