package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/pavelanni/examgen/internal/model"
)

// Response shapes the model is asked to fill. They carry no id or kind;
// those are set by the caller.

type genChoice struct {
	Text        string   `json:"text" jsonschema:"description=The question"`
	Options     []string `json:"options" jsonschema:"description=Answer options without letter prefixes"`
	Correct     []int    `json:"correct" jsonschema:"description=0-based positions of the correct options"`
	Explanation string   `json:"explanation" jsonschema:"description=Why the answer is correct"`
}

type genBlanks struct {
	Text        string   `json:"text" jsonschema:"description=The question with every blank written as ___"`
	Answers     []string `json:"answers" jsonschema:"description=Expected answer of each blank in order"`
	Explanation string   `json:"explanation" jsonschema:"description=Why the answers are correct"`
}

type genLine struct {
	Voice string `json:"voice" jsonschema:"enum=alloy,enum=echo,enum=fable,enum=onyx,enum=nova,enum=shimmer"`
	Text  string `json:"text" jsonschema:"description=Spoken English line"`
}

type genImageChoice struct {
	ImagePrompt string   `json:"image_prompt" jsonschema:"description=Description of the picture the question refers to"`
	Text        string   `json:"text" jsonschema:"description=The question about the picture"`
	Options     []string `json:"options" jsonschema:"description=Answer options without letter prefixes"`
	Correct     []int    `json:"correct" jsonschema:"description=0-based positions of the correct options"`
	Explanation string   `json:"explanation" jsonschema:"description=Why the answer is correct"`
}

type genImageBlanks struct {
	ImagePrompt string   `json:"image_prompt" jsonschema:"description=Description of the picture the question refers to"`
	Text        string   `json:"text" jsonschema:"description=The question with every blank written as ___"`
	Answers     []string `json:"answers" jsonschema:"description=Expected answer of each blank in order"`
	Explanation string   `json:"explanation" jsonschema:"description=Why the answers are correct"`
}

type genAudioChoice struct {
	Script      []genLine `json:"script" jsonschema:"description=Short dialogue the student listens to"`
	Text        string    `json:"text" jsonschema:"description=The question about the dialogue"`
	Options     []string  `json:"options" jsonschema:"description=Answer options without letter prefixes"`
	Correct     []int     `json:"correct" jsonschema:"description=0-based positions of the correct options"`
	Explanation string    `json:"explanation" jsonschema:"description=Why the answer is correct"`
}

type genAudioBlanks struct {
	Script      []genLine `json:"script" jsonschema:"description=Short dialogue the student listens to"`
	Text        string    `json:"text" jsonschema:"description=The question with every blank written as ___"`
	Answers     []string  `json:"answers" jsonschema:"description=Expected answer of each blank in order"`
	Explanation string    `json:"explanation" jsonschema:"description=Why the answers are correct"`
}

// genReply is the union of all response shapes, used for decoding.
type genReply struct {
	ImagePrompt string    `json:"image_prompt"`
	Script      []genLine `json:"script"`
	Text        string    `json:"text"`
	Options     []string  `json:"options"`
	Correct     []int     `json:"correct"`
	Answers     []string  `json:"answers"`
	Explanation string    `json:"explanation"`
}

type genSelection struct {
	Types []string `json:"types" jsonschema:"description=Question type of each exam slot in order"`
}

func reflectSchema(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	schema.ID = ""
	return schema
}

// schemaFor returns the response schema for kind.
func schemaFor(kind model.Kind) *jsonschema.Schema {
	switch {
	case kind.HasImage() && kind.IsChoice():
		return reflectSchema(&genImageChoice{})
	case kind.HasImage():
		return reflectSchema(&genImageBlanks{})
	case kind.HasAudio() && kind.IsChoice():
		return reflectSchema(&genAudioChoice{})
	case kind.HasAudio():
		return reflectSchema(&genAudioBlanks{})
	case kind.IsChoice():
		return reflectSchema(&genChoice{})
	default:
		return reflectSchema(&genBlanks{})
	}
}

// parseItem decodes a model reply for kind into an item.
func parseItem(kind model.Kind, raw string) (model.Item, error) {
	var g genReply
	if err := decode(raw, &g); err != nil {
		return model.Item{}, err
	}

	item := model.Item{Kind: kind, Text: g.Text, Explanation: g.Explanation}
	if kind.IsChoice() {
		item.Choice = &model.Choice{Options: g.Options, Correct: g.Correct}
	} else {
		item.Blanks = &model.Blanks{Count: len(g.Answers), Answers: g.Answers}
	}
	if kind.HasImage() {
		if g.ImagePrompt == "" {
			return model.Item{}, fmt.Errorf("%s reply has no image_prompt", kind)
		}
		item.Image = &model.Image{Prompt: g.ImagePrompt}
	}
	if kind.HasAudio() {
		if len(g.Script) == 0 {
			return model.Item{}, fmt.Errorf("%s reply has no script", kind)
		}
		lines := make([]model.DialogueLine, len(g.Script))
		for i, l := range g.Script {
			lines[i] = model.DialogueLine{Voice: l.Voice, Text: l.Text}
		}
		item.Audio = &model.Audio{Script: lines}
	}
	return item, nil
}

func schemaJSON(s *jsonschema.Schema) []byte {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil
	}
	return data
}
