package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/taskclaw/internal/timeline"
)

// Action types understood by the executor.
const (
	ActionCreateTask          = "create_task"
	ActionUpdateTaskStatus    = "update_task_status"
	ActionMoveTask            = "move_task"
	ActionCreateSubtask       = "create_subtask"
	ActionDelegateToAgent     = "delegate_to_agent"
	ActionCreateFeedItem      = "create_feed_item"
	ActionCreateSkill         = "create_skill"
	ActionUpdateSkill         = "update_skill"
	ActionGenerateImage       = "generate_image"
	ActionGenerateAudio       = "generate_audio"
	ActionCallTool            = "call_tool"
	ActionCreateKnowledgeNode = "create_knowledge_node"
	ActionLinkKnowledgeNodes  = "link_knowledge_nodes"
	ActionSendEmail           = "send_email"
)

// Action is one structured instruction from the model. The set of
// implementations is closed; see DecodeAction.
type Action interface {
	Kind() string
	Validate() error
	action()
}

var actionFactories = map[string]func() Action{
	ActionCreateTask:          func() Action { return &CreateTask{} },
	ActionUpdateTaskStatus:    func() Action { return &UpdateTaskStatus{} },
	ActionMoveTask:            func() Action { return &MoveTask{} },
	ActionCreateSubtask:       func() Action { return &CreateSubtask{} },
	ActionDelegateToAgent:     func() Action { return &DelegateToAgent{} },
	ActionCreateFeedItem:      func() Action { return &CreateFeedItem{} },
	ActionCreateSkill:         func() Action { return &CreateSkill{} },
	ActionUpdateSkill:         func() Action { return &UpdateSkill{} },
	ActionGenerateImage:       func() Action { return &GenerateImage{} },
	ActionGenerateAudio:       func() Action { return &GenerateAudio{} },
	ActionCallTool:            func() Action { return &CallTool{} },
	ActionCreateKnowledgeNode: func() Action { return &CreateKnowledgeNode{} },
	ActionLinkKnowledgeNodes:  func() Action { return &LinkKnowledgeNodes{} },
	ActionSendEmail:           func() Action { return &SendEmail{} },
}

// ErrUnknownAction is returned for an unrecognized action type.
var ErrUnknownAction = errors.New("unknown action type")

// DecodeAction decodes one raw action object. Unknown fields are rejected.
func DecodeAction(raw json.RawMessage) (Action, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("action is not an object: %w", err)
	}
	var kind string
	if t, ok := fields["type"]; ok {
		_ = json.Unmarshal(t, &kind)
	}
	kind = strings.TrimSpace(kind)
	factory, ok := actionFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
	delete(fields, "type")
	body, _ := json.Marshal(fields)

	a := factory()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", kind, err)
	}
	return a, nil
}

func required(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// parseDue accepts RFC 3339 or a plain date.
func parseDue(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, fmt.Errorf("bad dueAt %q", s)
}

type CreateTask struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Agent         string `json:"agent,omitempty"`
	Board         string `json:"board,omitempty"`
	DueAt         string `json:"dueAt,omitempty"`
	ExpectsResult bool   `json:"expectsResult,omitempty"`
}

func (*CreateTask) Kind() string { return ActionCreateTask }
func (*CreateTask) action()      {}
func (a *CreateTask) Validate() error {
	if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Description) == "" {
		return errors.New("missing title or description")
	}
	_, err := parseDue(a.DueAt)
	return err
}

type UpdateTaskStatus struct {
	TaskID  string   `json:"taskId,omitempty"`
	Status  string   `json:"status"`
	Outcome string   `json:"outcome,omitempty"`
	Links   []string `json:"links,omitempty"`
}

func (*UpdateTaskStatus) Kind() string { return ActionUpdateTaskStatus }
func (*UpdateTaskStatus) action()      {}
func (a *UpdateTaskStatus) Validate() error {
	switch timeline.TaskStatus(a.Status) {
	case timeline.TaskStatusInProgress, timeline.TaskStatusCompleted, timeline.TaskStatusFailed:
		return nil
	}
	return fmt.Errorf("bad status %q", a.Status)
}

type MoveTask struct {
	TaskID string `json:"taskId"`
	Agent  string `json:"agent,omitempty"`
	Board  string `json:"board,omitempty"`
}

func (*MoveTask) Kind() string { return ActionMoveTask }
func (*MoveTask) action()      {}
func (a *MoveTask) Validate() error {
	if err := required("taskId", a.TaskID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Agent) == "" && strings.TrimSpace(a.Board) == "" {
		return errors.New("missing agent or board")
	}
	return nil
}

type CreateSubtask struct {
	ParentTaskID string `json:"parentTaskId,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Agent        string `json:"agent,omitempty"`
}

func (*CreateSubtask) Kind() string { return ActionCreateSubtask }
func (*CreateSubtask) action()      {}
func (a *CreateSubtask) Validate() error {
	if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Description) == "" {
		return errors.New("missing title or description")
	}
	return nil
}

type DelegateToAgent struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

func (*DelegateToAgent) Kind() string { return ActionDelegateToAgent }
func (*DelegateToAgent) action()      {}
func (a *DelegateToAgent) Validate() error {
	return required("agent", a.Agent, "message", a.Message)
}

type CreateFeedItem struct {
	Content string `json:"content"`
}

func (*CreateFeedItem) Kind() string      { return ActionCreateFeedItem }
func (*CreateFeedItem) action()           {}
func (a *CreateFeedItem) Validate() error { return required("content", a.Content) }

type CreateSkill struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Instructions string `json:"instructions"`
}

func (*CreateSkill) Kind() string { return ActionCreateSkill }
func (*CreateSkill) action()      {}
func (a *CreateSkill) Validate() error {
	return required("name", a.Name, "instructions", a.Instructions)
}

type UpdateSkill struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func (*UpdateSkill) Kind() string { return ActionUpdateSkill }
func (*UpdateSkill) action()      {}
func (a *UpdateSkill) Validate() error {
	if err := required("name", a.Name); err != nil {
		return err
	}
	if strings.TrimSpace(a.Description) == "" && strings.TrimSpace(a.Instructions) == "" {
		return errors.New("nothing to update")
	}
	return nil
}

type GenerateImage struct {
	Prompt string `json:"prompt"`
	TaskID string `json:"taskId,omitempty"`
}

func (*GenerateImage) Kind() string      { return ActionGenerateImage }
func (*GenerateImage) action()           {}
func (a *GenerateImage) Validate() error { return required("prompt", a.Prompt) }

type GenerateAudio struct {
	Text   string `json:"text"`
	TaskID string `json:"taskId,omitempty"`
}

func (*GenerateAudio) Kind() string      { return ActionGenerateAudio }
func (*GenerateAudio) action()           {}
func (a *GenerateAudio) Validate() error { return required("text", a.Text) }

type CallTool struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (*CallTool) Kind() string      { return ActionCallTool }
func (*CallTool) action()           {}
func (a *CallTool) Validate() error { return required("tool", a.Tool) }

type CreateKnowledgeNode struct {
	Title    string   `json:"title"`
	Content  string   `json:"content,omitempty"`
	NodeType string   `json:"nodeType,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	LinkTo   []string `json:"linkTo,omitempty"`
}

func (*CreateKnowledgeNode) Kind() string      { return ActionCreateKnowledgeNode }
func (*CreateKnowledgeNode) action()           {}
func (a *CreateKnowledgeNode) Validate() error { return required("title", a.Title) }

type LinkKnowledgeNodes struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation,omitempty"`
}

func (*LinkKnowledgeNodes) Kind() string { return ActionLinkKnowledgeNodes }
func (*LinkKnowledgeNodes) action()      {}
func (a *LinkKnowledgeNodes) Validate() error {
	if err := required("from", a.From, "to", a.To); err != nil {
		return err
	}
	if a.From == a.To {
		return errors.New("cannot link a node to itself")
	}
	return nil
}

type SendEmail struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	TaskID  string   `json:"taskId,omitempty"`
}

func (*SendEmail) Kind() string { return ActionSendEmail }
func (*SendEmail) action()      {}
func (a *SendEmail) Validate() error {
	if len(a.To) == 0 {
		return errors.New("missing to")
	}
	return required("subject", a.Subject, "body", a.Body)
}
