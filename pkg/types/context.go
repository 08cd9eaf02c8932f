package types

import "time"

// UserProfile is the issuing user's own record.
type UserProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Organization is the metadata of the user's organization.
type Organization struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Plan        string `json:"plan,omitempty"`
	MemberCount int    `json:"member_count"`
}

// ChannelSummary is a read-only view of a channel the user is active in.
type ChannelSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type,omitempty"`
	MemberCount  int       `json:"member_count"`
	LastActivity time.Time `json:"last_activity"`
}

// TaskSummary is a read-only view of an open task.
type TaskSummary struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Priority   string     `json:"priority,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AssigneeID string     `json:"assignee_id,omitempty"`
}

// Member presence states, in display order.
const (
	PresenceOnline  = "online"
	PresenceBusy    = "busy"
	PresenceOffline = "offline"
)

// TeamMember is a read-only view of a colleague in the organization.
type TeamMember struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role,omitempty"`
	Status     string `json:"status,omitempty"`
	Department string `json:"department,omitempty"`
}

// TemporalSnapshot captures the time frame in which a command is resolved.
type TemporalSnapshot struct {
	CurrentTime time.Time      `json:"current_time"`
	Timezone    string         `json:"timezone"`
	WorkingDays []time.Weekday `json:"working_days"`

	// BusinessHoursStart and BusinessHoursEnd are hours of the day (0–23).
	BusinessHoursStart int `json:"business_hours_start"`
	BusinessHoursEnd   int `json:"business_hours_end"`
}

// ContextData is a point-in-time snapshot of the organizational state used
// to resolve a command. Entries are read-only records.
type ContextData struct {
	User           UserProfile      `json:"user"`
	Organization   Organization     `json:"organization"`
	ActiveChannels []ChannelSummary `json:"active_channels"`
	RecentTasks    []TaskSummary    `json:"recent_tasks"`
	TeamMembers    []TeamMember     `json:"team_members"`
	Temporal       TemporalSnapshot `json:"temporal"`

	// BuiltAt is when the snapshot was assembled from the data sources.
	BuiltAt time.Time `json:"built_at"`
}

// Age returns how old the snapshot is relative to now.
func (c *ContextData) Age(now time.Time) time.Duration {
	return now.Sub(c.BuiltAt)
}
