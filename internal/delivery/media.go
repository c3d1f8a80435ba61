package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/taskclaw/internal/blob"
	"github.com/KafClaw/taskclaw/internal/provider"
)

// ProviderSpeaker synthesizes speech with a provider and stores the audio
// in the blob store.
type ProviderSpeaker struct {
	TTS   provider.Speaker
	Blobs blob.Store
	Voice string
}

func (s *ProviderSpeaker) Speak(ctx context.Context, taskID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("speak: empty text")
	}
	resp, err := s.TTS.Speak(ctx, &provider.TTSRequest{Text: text, Voice: s.Voice})
	if err != nil {
		return "", fmt.Errorf("speak for task %s: %w", taskID, err)
	}
	id, err := s.Blobs.Put(ctx, resp.AudioData, "audio/"+resp.Format)
	if err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}
	return id, nil
}

// ProviderImager renders images with a provider and stores them in the blob
// store.
type ProviderImager struct {
	Images provider.ImageGenerator
	Blobs  blob.Store
	Size   string
}

func (g *ProviderImager) GenerateImage(ctx context.Context, taskID, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("generate image: empty prompt")
	}
	resp, err := g.Images.GenerateImage(ctx, &provider.ImageRequest{Prompt: prompt, Size: g.Size})
	if err != nil {
		return "", fmt.Errorf("generate image for task %s: %w", taskID, err)
	}
	id, err := g.Blobs.Put(ctx, resp.Data, "image/"+resp.Format)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return id, nil
}
