package types

import (
	"fmt"
	"strings"
	"time"
)

// ActionType is the closed set of organizational actions a command may carry.
type ActionType string

const (
	ActionCreateChannel    ActionType = "CREATE_CHANNEL"
	ActionCreateTask       ActionType = "CREATE_TASK"
	ActionAssignUsers      ActionType = "ASSIGN_USERS"
	ActionSendMessage      ActionType = "SEND_MESSAGE"
	ActionUploadFile       ActionType = "UPLOAD_FILE"
	ActionSetDeadline      ActionType = "SET_DEADLINE"
	ActionCreateDependency ActionType = "CREATE_DEPENDENCY"
	ActionUpdateStatus     ActionType = "UPDATE_STATUS"
	ActionScheduleMeeting  ActionType = "SCHEDULE_MEETING"
	ActionGenerateReport   ActionType = "GENERATE_REPORT"
)

// ActionTypes lists every known action type in prompt order.
var ActionTypes = []ActionType{
	ActionCreateChannel,
	ActionCreateTask,
	ActionAssignUsers,
	ActionSendMessage,
	ActionUploadFile,
	ActionSetDeadline,
	ActionCreateDependency,
	ActionUpdateStatus,
	ActionScheduleMeeting,
	ActionGenerateReport,
}

// IsValid reports whether a is one of the ten known action types.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionCreateChannel, ActionCreateTask, ActionAssignUsers, ActionSendMessage,
		ActionUploadFile, ActionSetDeadline, ActionCreateDependency, ActionUpdateStatus,
		ActionScheduleMeeting, ActionGenerateReport:
		return true
	}
	return false
}

// Critical reports whether a failure of an action of this type must abort
// and roll back the whole command.
func (a ActionType) Critical() bool {
	switch a {
	case ActionCreateChannel, ActionCreateTask, ActionAssignUsers, ActionCreateDependency:
		return true
	}
	return false
}

// ParseActionType normalises s ("create_task", "create-task", "CREATE_TASK")
// into an [ActionType]. It returns an error for unknown types.
func ParseActionType(s string) (ActionType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	a := ActionType(norm)
	if !a.IsValid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return a, nil
}

// EntityRef is a free-text mention resolved to a concrete ID.
type EntityRef struct {
	SourceText string  `json:"source_text"`
	ResolvedID string  `json:"resolved_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence"`

	// Method records the resolution stage: "exact", "fuzzy", "role",
	// "search", "contextual", or "extracted" when resolution did not run.
	Method string `json:"method,omitempty"`
}

// DateRef is a temporal expression resolved to an absolute time.
type DateRef struct {
	SourceText     string    `json:"source_text"`
	Date           time.Time `json:"date"`
	Confidence     float64   `json:"confidence"`
	Interpretation string    `json:"interpretation,omitempty"`
}

// ResolvedEntities are the entities attached to a parsed command. They are
// produced once per parse and never mutated afterwards.
type ResolvedEntities struct {
	Users    []EntityRef `json:"users"`
	Channels []EntityRef `json:"channels"`
	Tasks    []EntityRef `json:"tasks"`
	Dates    []DateRef   `json:"dates"`
	Files    []EntityRef `json:"files"`
}

// NewResolvedEntities returns entities with all lists non-nil.
func NewResolvedEntities() ResolvedEntities {
	return ResolvedEntities{
		Users:    []EntityRef{},
		Channels: []EntityRef{},
		Tasks:    []EntityRef{},
		Dates:    []DateRef{},
		Files:    []EntityRef{},
	}
}

// ContextReferences lists the context-dependent phrases found in a command.
type ContextReferences struct {
	Pronouns         []string `json:"pronouns,omitempty"`
	TemporalPhrases  []string `json:"temporal_phrases,omitempty"`
	ImplicitEntities []string `json:"implicit_entities,omitempty"`
}

// Empty reports whether no references were detected.
func (c *ContextReferences) Empty() bool {
	return c == nil || len(c.Pronouns)+len(c.TemporalPhrases)+len(c.ImplicitEntities) == 0
}

// CommandAction is a single executable step of a [ParsedCommand].
type CommandAction struct {
	ID   string     `json:"id"`
	Type ActionType `json:"type"`

	// Parameters is the open parameter map as returned by the model, after
	// normalisation. It is never nil.
	Parameters map[string]any `json:"parameters"`

	// Params is the typed view of Parameters. Nil when the map could not be
	// decoded into the record for Type.
	Params ActionParams `json:"-"`

	Priority          int           `json:"priority"`
	Dependencies      []string      `json:"dependencies"`
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Critical marks actions whose failure must abort the whole command.
	Critical bool `json:"critical"`

	// Order is the execution order index (0-based).
	Order int `json:"order"`

	// Validated is set once the parameter shape has been checked.
	Validated bool `json:"validated"`
}

// ParsedCommand is the structured form of a voice command. It is immutable
// after construction and consumed by an external executor.
type ParsedCommand struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	OrganizationID      string             `json:"organization_id"`
	OriginalTranscript  string             `json:"original_transcript"`
	ProcessedTranscript string             `json:"processed_transcript,omitempty"`
	Intent              string             `json:"intent"`
	Confidence          float64            `json:"confidence"`
	Actions             []CommandAction    `json:"actions"`
	Entities            ResolvedEntities   `json:"entities"`
	ContextReferences   *ContextReferences `json:"context_references,omitempty"`
	ProcessingTime      time.Duration      `json:"processing_time"`
	Timestamp           time.Time          `json:"timestamp"`

	// Error is set on placeholder commands produced for failed batch items.
	Error string `json:"error,omitempty"`
}

// ClampConfidence limits c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
