package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider implements LLMProvider using the OpenAI-compatible API.
// It works against OpenAI, OpenRouter, DeepSeek, Groq, xAI, vLLM and other
// compatible gateways.
type OpenAIProvider struct {
	id           string
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		id:           "openai",
		apiKey:       apiKey,
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		// Per-call deadlines come from the caller's context.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// DefaultModel returns the configured default model.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat sends a completion request to the OpenAI-compatible API.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.Reasoning {
		if req.MaxTokens > 0 {
			body["max_completion_tokens"] = req.MaxTokens
		}
	} else {
		if req.MaxTokens > 0 {
			body["max_tokens"] = req.MaxTokens
		}
		body["temperature"] = req.Temperature
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	respBody, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := apiResp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        apiResp.Usage,
	}, nil
}

// Embed generates an embedding vector for the given input text.
func (p *OpenAIProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	respBody, err := p.post(ctx, "/embeddings", map[string]any{"model": model, "input": req.Input})
	if err != nil {
		return nil, err
	}

	var embResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}
	return &EmbeddingResponse{Vector: embResp.Data[0].Embedding, Usage: embResp.Usage}, nil
}

// Speak converts text to audio using the TTS endpoint.
func (p *OpenAIProvider) Speak(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	voice := req.Voice
	if voice == "" {
		voice = "nova"
	}
	audio, err := p.post(ctx, "/audio/speech", map[string]any{
		"model":           "tts-1",
		"input":           req.Text,
		"voice":           voice,
		"response_format": "mp3",
	})
	if err != nil {
		return nil, err
	}
	return &TTSResponse{AudioData: audio, Format: "mp3"}, nil
}

// GenerateImage renders an image and returns its PNG bytes.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	model := req.Model
	if model == "" {
		model = "dall-e-3"
	}
	size := req.Size
	if size == "" {
		size = "1024x1024"
	}
	respBody, err := p.post(ctx, "/images/generations", map[string]any{
		"model":           model,
		"prompt":          req.Prompt,
		"size":            size,
		"n":               1,
		"response_format": "b64_json",
	})
	if err != nil {
		return nil, err
	}
	var imgResp struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &imgResp); err != nil {
		return nil, fmt.Errorf("parse image response: %w", err)
	}
	if len(imgResp.Data) == 0 {
		return nil, fmt.Errorf("no image data in response")
	}
	data, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &ImageResponse{Data: data, Format: "png"}, nil
}

// post sends a JSON body and returns the raw response body. Non-200
// responses come back as *APIError.
func (p *OpenAIProvider) post(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: p.id, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// OpenAI API response types
type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
