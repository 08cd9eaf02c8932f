package orgctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicecmd/pkg/store/postgres"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// ErrNotFound is returned when the user or organisation does not exist.
var ErrNotFound = errors.New("orgctx: not found")

// Compile-time assertion that SQLSource satisfies DataSource.
var _ DataSource = (*SQLSource)(nil)

const (
	userProfileSQL = `
SELECT id, name, email, role
FROM users
WHERE id = $1 AND organization_id = $2`

	organizationSQL = `
SELECT o.id, o.name, o.plan,
       (SELECT COUNT(*) FROM users u WHERE u.organization_id = o.id) AS member_count
FROM organizations o
WHERE o.id = $1`

	activeChannelsSQL = `
SELECT c.id, c.name, c.type, c.last_activity,
       (SELECT COUNT(*) FROM channel_members cm WHERE cm.channel_id = c.id) AS member_count
FROM channels c
JOIN channel_members m ON m.channel_id = c.id AND m.user_id = $2
WHERE c.organization_id = $1
ORDER BY c.last_activity DESC
LIMIT $3`

	recentTasksSQL = `
SELECT id, title, status, priority, due_date, created_at, assignee_id
FROM tasks
WHERE organization_id = $1
  AND (assignee_id = $2 OR created_by = $2)
  AND status IN ('open', 'in_progress', 'review')
ORDER BY due_date ASC NULLS LAST, created_at DESC
LIMIT $3`

	teamMembersSQL = `
SELECT id, name, email, role, status, department
FROM users
WHERE organization_id = $1
ORDER BY CASE status WHEN 'online' THEN 0 WHEN 'busy' THEN 1 WHEN 'offline' THEN 2 ELSE 3 END, name
LIMIT $2`
)

// SQLSource is a [DataSource] reading the organisation read model through a
// [postgres.Querier].
type SQLSource struct {
	q postgres.Querier
}

// NewSQLSource returns a source backed by q.
func NewSQLSource(q postgres.Querier) *SQLSource {
	return &SQLSource{q: q}
}

// UserProfile implements [DataSource].
func (s *SQLSource) UserProfile(ctx context.Context, orgID, userID string) (types.UserProfile, error) {
	rows, err := s.q.Query(ctx, userProfileSQL, userID, orgID)
	if err != nil {
		return types.UserProfile{}, fmt.Errorf("orgctx: query user %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return types.UserProfile{}, fmt.Errorf("orgctx: user %s: %w", userID, ErrNotFound)
	}
	r := rows[0]
	return types.UserProfile{
		ID:    postgres.String(r, "id"),
		Name:  postgres.String(r, "name"),
		Email: postgres.String(r, "email"),
		Role:  postgres.String(r, "role"),
	}, nil
}

// Organization implements [DataSource].
func (s *SQLSource) Organization(ctx context.Context, orgID string) (types.Organization, error) {
	rows, err := s.q.Query(ctx, organizationSQL, orgID)
	if err != nil {
		return types.Organization{}, fmt.Errorf("orgctx: query organization %s: %w", orgID, err)
	}
	if len(rows) == 0 {
		return types.Organization{}, fmt.Errorf("orgctx: organization %s: %w", orgID, ErrNotFound)
	}
	r := rows[0]
	return types.Organization{
		ID:          postgres.String(r, "id"),
		Name:        postgres.String(r, "name"),
		Plan:        postgres.String(r, "plan"),
		MemberCount: postgres.Int(r, "member_count"),
	}, nil
}

// ActiveChannels implements [DataSource].
func (s *SQLSource) ActiveChannels(ctx context.Context, orgID, userID string, limit int) ([]types.ChannelSummary, error) {
	rows, err := s.q.Query(ctx, activeChannelsSQL, orgID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("orgctx: query channels: %w", err)
	}
	out := make([]types.ChannelSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.ChannelSummary{
			ID:           postgres.String(r, "id"),
			Name:         postgres.String(r, "name"),
			Type:         postgres.String(r, "type"),
			MemberCount:  postgres.Int(r, "member_count"),
			LastActivity: postgres.Time(r, "last_activity"),
		})
	}
	return out, nil
}

// RecentTasks implements [DataSource]. Only open, in-progress and in-review
// tasks assigned to or created by the user are returned.
func (s *SQLSource) RecentTasks(ctx context.Context, orgID, userID string, limit int) ([]types.TaskSummary, error) {
	rows, err := s.q.Query(ctx, recentTasksSQL, orgID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("orgctx: query tasks: %w", err)
	}
	out := make([]types.TaskSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.TaskSummary{
			ID:         postgres.String(r, "id"),
			Title:      postgres.String(r, "title"),
			Status:     postgres.String(r, "status"),
			Priority:   postgres.String(r, "priority"),
			DueDate:    postgres.TimePtr(r, "due_date"),
			CreatedAt:  postgres.Time(r, "created_at"),
			AssigneeID: postgres.String(r, "assignee_id"),
		})
	}
	return out, nil
}

// TeamMembers implements [DataSource].
func (s *SQLSource) TeamMembers(ctx context.Context, orgID string, limit int) ([]types.TeamMember, error) {
	rows, err := s.q.Query(ctx, teamMembersSQL, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("orgctx: query team: %w", err)
	}
	out := make([]types.TeamMember, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.TeamMember{
			ID:         postgres.String(r, "id"),
			Name:       postgres.String(r, "name"),
			Email:      postgres.String(r, "email"),
			Role:       postgres.String(r, "role"),
			Status:     postgres.String(r, "status"),
			Department: postgres.String(r, "department"),
		})
	}
	return out, nil
}
