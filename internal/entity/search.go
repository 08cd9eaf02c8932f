package entity

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicecmd/pkg/store/postgres"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// Compile-time assertion that SQLChannelSearcher satisfies ChannelSearcher.
var _ ChannelSearcher = (*SQLChannelSearcher)(nil)

const searchChannelsSQL = `
SELECT c.id, c.name, c.type, c.last_activity, COUNT(m.user_id) AS member_count
FROM channels c
LEFT JOIN channel_members m ON m.channel_id = c.id
WHERE c.organization_id = $1 AND c.name ILIKE $2
GROUP BY c.id, c.name, c.type, c.last_activity
ORDER BY c.last_activity DESC NULLS LAST, c.name
LIMIT $3`

// SQLChannelSearcher searches every channel of an organisation by name
// substring, not only those the user is active in.
type SQLChannelSearcher struct {
	q postgres.Querier
}

// NewSQLChannelSearcher returns a searcher backed by q.
func NewSQLChannelSearcher(q postgres.Querier) *SQLChannelSearcher {
	return &SQLChannelSearcher{q: q}
}

// SearchChannels implements [ChannelSearcher].
func (s *SQLChannelSearcher) SearchChannels(ctx context.Context, orgID, query string, limit int) ([]types.ChannelSummary, error) {
	pattern := "%" + postgres.EscapeLike(query) + "%"
	rows, err := s.q.Query(ctx, searchChannelsSQL, orgID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("entity: search channels: %w", err)
	}
	out := make([]types.ChannelSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.ChannelSummary{
			ID:           postgres.String(row, "id"),
			Name:         postgres.String(row, "name"),
			Type:         postgres.String(row, "type"),
			MemberCount:  postgres.Int(row, "member_count"),
			LastActivity: postgres.Time(row, "last_activity"),
		})
	}
	return out, nil
}
