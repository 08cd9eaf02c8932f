package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActionParams is the typed parameter record of a [CommandAction]. Each
// action type has exactly one record type; [DecodeParams] selects it.
type ActionParams interface {
	// Type returns the action type this record belongs to.
	Type() ActionType

	// Validate reports missing required fields.
	Validate() error
}

// CreateChannelParams are the parameters of [ActionCreateChannel].
type CreateChannelParams struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Private     bool     `json:"private,omitempty"`
	Members     []string `json:"members,omitempty"`
}

func (CreateChannelParams) Type() ActionType { return ActionCreateChannel }

func (p CreateChannelParams) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// CreateTaskParams are the parameters of [ActionCreateTask].
type CreateTaskParams struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Deadline    string   `json:"deadline,omitempty"`
	ChannelID   string   `json:"channel_id,omitempty"`
}

func (CreateTaskParams) Type() ActionType { return ActionCreateTask }

func (p CreateTaskParams) Validate() error {
	if p.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

// AssignUsersParams are the parameters of [ActionAssignUsers].
type AssignUsersParams struct {
	TaskID string   `json:"task_id,omitempty"`
	Users  []string `json:"users"`
	Role   string   `json:"role,omitempty"`
}

func (AssignUsersParams) Type() ActionType { return ActionAssignUsers }

func (p AssignUsersParams) Validate() error {
	if len(p.Users) == 0 {
		return errors.New("users must not be empty")
	}
	return nil
}

// SendMessageParams are the parameters of [ActionSendMessage].
type SendMessageParams struct {
	ChannelID  string   `json:"channel_id,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Content    string   `json:"content"`
}

func (SendMessageParams) Type() ActionType { return ActionSendMessage }

func (p SendMessageParams) Validate() error {
	if p.Content == "" {
		return errors.New("content is required")
	}
	if p.ChannelID == "" && len(p.Recipients) == 0 {
		return errors.New("channel_id or recipients is required")
	}
	return nil
}

// UploadFileParams are the parameters of [ActionUploadFile].
type UploadFileParams struct {
	FileName  string `json:"file_name"`
	ChannelID string `json:"channel_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

func (UploadFileParams) Type() ActionType { return ActionUploadFile }

func (p UploadFileParams) Validate() error {
	if p.FileName == "" {
		return errors.New("file_name is required")
	}
	return nil
}

// SetDeadlineParams are the parameters of [ActionSetDeadline].
type SetDeadlineParams struct {
	TaskID   string `json:"task_id,omitempty"`
	Deadline string `json:"deadline"`
}

func (SetDeadlineParams) Type() ActionType { return ActionSetDeadline }

func (p SetDeadlineParams) Validate() error {
	if p.Deadline == "" {
		return errors.New("deadline is required")
	}
	return nil
}

// CreateDependencyParams are the parameters of [ActionCreateDependency].
type CreateDependencyParams struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	DependencyType  string `json:"dependency_type,omitempty"`
}

func (CreateDependencyParams) Type() ActionType { return ActionCreateDependency }

func (p CreateDependencyParams) Validate() error {
	if p.TaskID == "" || p.DependsOnTaskID == "" {
		return errors.New("task_id and depends_on_task_id are required")
	}
	return nil
}

// UpdateStatusParams are the parameters of [ActionUpdateStatus].
type UpdateStatusParams struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status"`
}

func (UpdateStatusParams) Type() ActionType { return ActionUpdateStatus }

func (p UpdateStatusParams) Validate() error {
	if p.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// ScheduleMeetingParams are the parameters of [ActionScheduleMeeting].
type ScheduleMeetingParams struct {
	Title           string   `json:"title"`
	StartTime       string   `json:"start_time"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	Attendees       []string `json:"attendees,omitempty"`
	ChannelID       string   `json:"channel_id,omitempty"`
}

func (ScheduleMeetingParams) Type() ActionType { return ActionScheduleMeeting }

func (p ScheduleMeetingParams) Validate() error {
	if p.Title == "" {
		return errors.New("title is required")
	}
	if p.StartTime == "" {
		return errors.New("start_time is required")
	}
	return nil
}

// GenerateReportParams are the parameters of [ActionGenerateReport].
type GenerateReportParams struct {
	ReportType string `json:"report_type"`
	Period     string `json:"period,omitempty"`
	Scope      string `json:"scope,omitempty"`
}

func (GenerateReportParams) Type() ActionType { return ActionGenerateReport }

func (p GenerateReportParams) Validate() error {
	if p.ReportType == "" {
		return errors.New("report_type is required")
	}
	return nil
}

// DecodeParams decodes the open parameter map into the typed record for t.
// The returned record has not been validated.
func DecodeParams(t ActionType, raw map[string]any) (ActionParams, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", t, err)
	}

	var p ActionParams
	switch t {
	case ActionCreateChannel:
		p, err = decodeInto[CreateChannelParams](data)
	case ActionCreateTask:
		p, err = decodeInto[CreateTaskParams](data)
	case ActionAssignUsers:
		p, err = decodeInto[AssignUsersParams](data)
	case ActionSendMessage:
		p, err = decodeInto[SendMessageParams](data)
	case ActionUploadFile:
		p, err = decodeInto[UploadFileParams](data)
	case ActionSetDeadline:
		p, err = decodeInto[SetDeadlineParams](data)
	case ActionCreateDependency:
		p, err = decodeInto[CreateDependencyParams](data)
	case ActionUpdateStatus:
		p, err = decodeInto[UpdateStatusParams](data)
	case ActionScheduleMeeting:
		p, err = decodeInto[ScheduleMeetingParams](data)
	case ActionGenerateReport:
		p, err = decodeInto[GenerateReportParams](data)
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", t, err)
	}
	return p, nil
}

func decodeInto[T ActionParams](data []byte) (ActionParams, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
