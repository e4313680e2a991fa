package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examgen/internal/llm/prompts"
	"github.com/pavelanni/examgen/internal/model"
)

// MediaURLPrefix is the path under which rendered media files are served.
const MediaURLPrefix = "/media/"

// Media renders pictures and listening audio for items through the
// OpenAI image and speech endpoints. Rendered files are written under dir
// and referenced by local URLs.
type Media struct {
	api        *openai.Client
	dir        string
	imageModel string
	ttsModel   string
}

// NewMedia creates a renderer that writes media files under dir.
func NewMedia(c *Client, dir, imageModel, ttsModel string) (*Media, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if imageModel == "" {
		imageModel = openai.CreateImageModelDallE3
	}
	if ttsModel == "" {
		ttsModel = string(openai.TTSModel1)
	}
	return &Media{api: c.api, dir: dir, imageModel: imageModel, ttsModel: ttsModel}, nil
}

// Dir returns the directory media files are written to.
func (m *Media) Dir() string { return m.dir }

// Render fills in missing media URLs on item.
func (m *Media) Render(ctx context.Context, item *model.Item) error {
	if item.Image != nil && item.Image.URL == "" {
		url, err := m.image(ctx, item.Image.Prompt)
		if err != nil {
			return err
		}
		item.Image.URL = url
	}
	if item.Audio != nil && item.Audio.URL == "" {
		url, err := m.speech(ctx, item.Audio.Script)
		if err != nil {
			return err
		}
		item.Audio.URL = url
	}
	return nil
}

func (m *Media) image(ctx context.Context, prompt string) (string, error) {
	resp, err := m.api.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          m.imageModel,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", fmt.Errorf("image API call: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", errors.New("image API returned no image data")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return m.save(".png", func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// speech renders each line with its voice and concatenates the mp3 streams
// into one file.
func (m *Media) speech(ctx context.Context, script []model.DialogueLine) (string, error) {
	return m.save(".mp3", func(w io.Writer) error {
		return m.writeSpeech(ctx, w, script)
	})
}

// save writes a new media file with a random name and returns its URL.
// A partially written file is removed.
func (m *Media) save(ext string, write func(io.Writer) error) (string, error) {
	name := uuid.NewString() + ext
	path := filepath.Join(m.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}

	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			slog.Warn("remove partial media file", "path", path, "error", rerr)
		}
		return "", err
	}
	return MediaURLPrefix + name, nil
}

func (m *Media) writeSpeech(ctx context.Context, w io.Writer, script []model.DialogueLine) error {
	for i, line := range script {
		voice := line.Voice
		if voice == "" {
			voice = prompts.Voices[i%len(prompts.Voices)]
		}
		body, err := m.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(m.ttsModel),
			Input:          line.Text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatMp3,
		})
		if err != nil {
			return fmt.Errorf("speech API call (line %d): %w", i, err)
		}
		_, err = io.Copy(w, body)
		body.Close()
		if err != nil {
			return fmt.Errorf("write audio (line %d): %w", i, err)
		}
	}
	return nil
}
