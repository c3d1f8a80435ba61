// Package delivery holds the side-effect collaborators the action executor
// calls: email, speech, images and the feed mirror. Each takes the task it
// acts for and returns a reference id.
package delivery

import (
	"context"
	"errors"

	"github.com/KafClaw/taskclaw/internal/timeline"
)

// ErrNotConfigured is returned by the noop collaborators.
var ErrNotConfigured = errors.New("delivery collaborator not configured")

// Email is an outgoing message produced by a send_email action.
type Email struct {
	TaskID  string
	AgentID string
	To      []string
	Subject string
	Body    string
}

// EmailSender delivers an email and returns a message id.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Email) (string, error)
}

// Speaker turns text into stored audio and returns the audio id.
type Speaker interface {
	Speak(ctx context.Context, taskID, text string) (string, error)
}

// ImageGenerator renders a prompt into a stored image and returns the file id.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, taskID, prompt string) (string, error)
}

// FeedMirror republishes feed items outside the store.
type FeedMirror interface {
	MirrorFeedItem(ctx context.Context, item timeline.FeedItem) (string, error)
}

// Noop implements every collaborator and fails with ErrNotConfigured,
// except MirrorFeedItem which silently does nothing.
type Noop struct{}

func (Noop) SendEmail(context.Context, Email) (string, error) { return "", ErrNotConfigured }

func (Noop) Speak(context.Context, string, string) (string, error) { return "", ErrNotConfigured }

func (Noop) GenerateImage(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

func (Noop) MirrorFeedItem(context.Context, timeline.FeedItem) (string, error) { return "", nil }
