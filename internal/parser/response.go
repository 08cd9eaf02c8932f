package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicecmd/pkg/types"
)

// modelResponse is the JSON object the language model must return. Only
// intent, confidence and the actions' type and parameters are binding; the
// remaining fields are advisory and decoded leniently.
type modelResponse struct {
	Intent            string                   `json:"intent"`
	Confidence        *float64                 `json:"confidence"`
	Actions           []modelAction            `json:"actions"`
	RawEntities       json.RawMessage          `json:"entities"`
	RawReferences     json.RawMessage          `json:"context_references"`
	Entities          modelEntities            `json:"-"`
	ContextReferences *types.ContextReferences `json:"-"`
}

type modelAction struct {
	RawID       json.RawMessage `json:"id"`
	Type        string          `json:"type"`
	Parameters  map[string]any  `json:"parameters"`
	RawPriority json.RawMessage `json:"priority"`
	RawDeps     json.RawMessage `json:"dependencies"`
	RawDuration json.RawMessage `json:"estimated_duration"`

	ID                string
	Priority          int
	Dependencies      []json.RawMessage
	EstimatedDuration time.Duration

	actionType types.ActionType
}

type modelEntities struct {
	Users    []modelEntity
	Channels []modelEntity
	Tasks    []modelEntity
	Files    []modelEntity
}

// modelEntity accepts either a bare string or an object.
type modelEntity struct {
	Name          string          `json:"name"`
	RawID         json.RawMessage `json:"id"`
	SourceText    string          `json:"source_text"`
	RawConfidence json.RawMessage `json:"confidence"`

	ID         string   `json:"-"`
	Confidence *float64 `json:"-"`
}

func (e *modelEntity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Name)
	}
	type plain modelEntity
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = modelEntity(p)
	e.ID = rawString(e.RawID)
	if c, ok := rawNumber(e.RawConfidence); ok {
		e.Confidence = &c
	}
	return nil
}

// mention returns the text the entity was referred to by.
func (e modelEntity) mention() string {
	if e.SourceText != "" {
		return e.SourceText
	}
	return e.Name
}

// priorityWords maps spoken priority levels onto execution ranks.
var priorityWords = map[string]int{
	"critical": 1,
	"urgent":   1,
	"highest":  1,
	"high":     2,
	"medium":   3,
	"normal":   3,
	"low":      4,
	"lowest":   5,
}

// rawPriority reads a rank from a number, a numeric string or a priority
// word. Zero means unusable.
func rawPriority(raw json.RawMessage) int {
	if n, ok := rawNumber(raw); ok {
		if n < 1 {
			return 0
		}
		return int(math.Round(n))
	}
	return priorityWords[strings.ToLower(rawString(raw))]
}

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?)$`)

// rawDuration reads a duration from a number of seconds, a Go duration
// string or a phrase like "5 minutes". Zero means unusable.
func rawDuration(raw json.RawMessage) time.Duration {
	if n, ok := rawNumber(raw); ok {
		if n <= 0 {
			return 0
		}
		return time.Duration(n * float64(time.Second))
	}
	s := strings.ToLower(rawString(raw))
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseFloat(m[1], 64)
	unit := time.Second
	switch m[2][0] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	}
	return time.Duration(n * float64(unit))
}

// rawList accepts a JSON array or a single value.
func rawList(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return []json.RawMessage{raw}
}

// rawNumber reads a JSON number or a string holding one.
func rawNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	n, err := strconv.ParseFloat(rawString(raw), 64)
	return n, err == nil
}

// rawString reads a JSON string or the text of a number.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// decodeEntities reads the entities object. Categories and items of the
// wrong shape are skipped.
func decodeEntities(raw json.RawMessage) modelEntities {
	var out modelEntities
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return out
	}
	var groups map[string]json.RawMessage
	if err := json.Unmarshal(raw, &groups); err != nil {
		slog.Debug("ignoring malformed entities", "error", err)
		return out
	}
	for key, dst := range map[string]*[]modelEntity{
		"users":    &out.Users,
		"channels": &out.Channels,
		"tasks":    &out.Tasks,
		"files":    &out.Files,
	} {
		items := rawList(groups[key])
		for _, item := range items {
			var e modelEntity
			if err := json.Unmarshal(item, &e); err != nil {
				slog.Debug("ignoring malformed entity", "category", key, "error", err)
				continue
			}
			*dst = append(*dst, e)
		}
	}
	return out
}

// decodeReferences reads the context_references object. Any other shape is
// ignored.
func decodeReferences(raw json.RawMessage) *types.ContextReferences {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var refs types.ContextReferences
	if err := json.Unmarshal(raw, &refs); err != nil {
		slog.Debug("ignoring malformed context references", "error", err)
		return nil
	}
	return &refs
}

// extractJSON returns the outermost JSON object in content, tolerating
// markdown code fences and surrounding prose.
func extractJSON(content string) (string, bool) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return "", false
	}
	return content[start : end+1], true
}

// decodeResponse parses and validates the model output. The returned error
// describes the first schema violation found.
func decodeResponse(content string) (*modelResponse, error) {
	obj, ok := extractJSON(content)
	if !ok {
		return nil, errors.New("response contains no JSON object")
	}

	var r modelResponse
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch {
	case strings.TrimSpace(r.Intent) == "":
		return nil, errors.New("intent is missing")
	case r.Confidence == nil:
		return nil, errors.New("confidence is missing")
	case len(r.Actions) == 0:
		return nil, errors.New("actions must not be empty")
	}
	for i := range r.Actions {
		a := &r.Actions[i]
		t, err := types.ParseActionType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if a.Parameters == nil {
			return nil, fmt.Errorf("action %d: parameters object is missing", i)
		}
		a.actionType = t
		a.ID = rawString(a.RawID)
		a.Priority = rawPriority(a.RawPriority)
		a.Dependencies = rawList(a.RawDeps)
		a.EstimatedDuration = rawDuration(a.RawDuration)
	}
	r.Entities = decodeEntities(r.RawEntities)
	r.ContextReferences = decodeReferences(r.RawReferences)
	return &r, nil
}

// dependencyIndex interprets a dependency reference as an action index or
// as a model-assigned action ID.
func dependencyIndex(raw json.RawMessage, ids map[string]int) (int, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), n == float64(int(n))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	if i, ok := ids[s]; ok {
		return i, true
	}
	if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return i, true
	}
	return 0, false
}
