// Package provider implements LLM provider interfaces and clients.
package provider

import (
	"context"
)

// LLMProvider is the interface for LLM API clients.
type LLMProvider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// Speaker is implemented by providers with text-to-speech.
type Speaker interface {
	Speak(ctx context.Context, req *TTSRequest) (*TTSResponse, error)
}

// ImageGenerator is implemented by providers that render images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// Embedder is an optional interface for providers that support embedding.
// Callers should use type assertion: if emb, ok := prov.(Embedder); ok { ... }
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	// Reasoning selects the reasoning-model request shape: no temperature
	// and max_completion_tokens instead of max_tokens.
	Reasoning bool
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TTSRequest contains parameters for speech synthesis.
type TTSRequest struct {
	Text  string
	Voice string
}

// TTSResponse contains the synthesized audio.
type TTSResponse struct {
	AudioData []byte
	Format    string
}

// ImageRequest contains parameters for image generation.
type ImageRequest struct {
	Prompt string
	Size   string
	Model  string
}

// ImageResponse holds the decoded image bytes.
type ImageResponse struct {
	Data   []byte
	Format string
}

// EmbeddingRequest contains parameters for an embedding request.
type EmbeddingRequest struct {
	Input string
	Model string // default: "text-embedding-3-small"
}

// EmbeddingResponse contains the embedding vector.
type EmbeddingResponse struct {
	Vector []float32
	Usage  Usage
}

// TextEmbedder adapts an Embedder to the single-text signature used by the
// knowledge ranker.
type TextEmbedder struct {
	Provider Embedder
	Model    string
}

// Embed returns the embedding vector for text.
func (e TextEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.Provider.Embed(ctx, &EmbeddingRequest{Input: text, Model: e.Model})
	if err != nil {
		return nil, err
	}
	return resp.Vector, nil
}
