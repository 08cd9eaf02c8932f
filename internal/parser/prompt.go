package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voicecmd/pkg/types"
)

// actionContracts documents the parameters of each action type for the
// model.
var actionContracts = map[types.ActionType]string{
	types.ActionCreateChannel:    `name (required), description, private (bool), members (user names)`,
	types.ActionCreateTask:       `title (required), description, priority (low|medium|high|urgent), assignees (user names), deadline (as spoken), channel_id`,
	types.ActionAssignUsers:      `users (required, user names), task_id, role`,
	types.ActionSendMessage:      `content (required), channel_id or recipients (user names)`,
	types.ActionUploadFile:       `file_name (required), channel_id, task_id`,
	types.ActionSetDeadline:      `deadline (required, as spoken), task_id`,
	types.ActionCreateDependency: `task_id (required), depends_on_task_id (required), dependency_type`,
	types.ActionUpdateStatus:     `status (required: open|in_progress|review|done), task_id`,
	types.ActionScheduleMeeting:  `title (required), start_time (required, as spoken), duration_minutes, attendees (user names), channel_id`,
	types.ActionGenerateReport:   `report_type (required), period, scope`,
}

const responseContract = `Respond with a single JSON object and nothing else:
{
  "intent": "short snake_case summary of the goal",
  "confidence": 0.0-1.0,
  "actions": [
    {"id": "a1", "type": "ACTION_TYPE", "parameters": {...}, "priority": 1, "dependencies": ["a0"], "estimated_duration": 5}
  ],
  "entities": {"users": [], "channels": [], "tasks": [], "files": []},
  "context_references": {"pronouns": [], "temporal_phrases": [], "implicit_entities": []}
}`

const resolutionRules = `Entity rules:
- Refer to existing people, channels and tasks by the exact name listed above when the speaker clearly means them.
- List every person, channel, task and file the speaker mentions under "entities", as spoken.
- A task or channel the command creates is not an existing entity; do not list it under "entities".
- Keep dates and times as the speaker said them ("tomorrow at 3pm", "next Friday"); they are resolved later.
- "dependencies" refer to the "id" of earlier actions in the same response.
- When the command is ambiguous, lower "confidence" instead of guessing.`

// FormatSystemPrompt renders the system prompt for a command issued in cd.
// Empty context sections are omitted. The function is pure and safe for
// concurrent use.
func FormatSystemPrompt(cd *types.ContextData) string {
	var sb strings.Builder
	sb.WriteString("You convert spoken workplace commands into structured actions.")

	if cd != nil {
		if cd.Organization.Name != "" || cd.User.Name != "" {
			sb.WriteString("\n\n## Speaker\n")
			if cd.User.Name != "" {
				fmt.Fprintf(&sb, "User: %s", cd.User.Name)
				if cd.User.Role != "" {
					fmt.Fprintf(&sb, " (%s)", cd.User.Role)
				}
				sb.WriteByte('\n')
			}
			if cd.Organization.Name != "" {
				fmt.Fprintf(&sb, "Organization: %s\n", cd.Organization.Name)
			}
		}

		if len(cd.ActiveChannels) > 0 {
			sb.WriteString("\n## Channels\n")
			for _, ch := range cd.ActiveChannels {
				fmt.Fprintf(&sb, "- %s (id %s)\n", ch.Name, ch.ID)
			}
		}

		if len(cd.RecentTasks) > 0 {
			sb.WriteString("\n## Open Tasks\n")
			for _, t := range cd.RecentTasks {
				fmt.Fprintf(&sb, "- %s (id %s, %s", t.Title, t.ID, t.Status)
				if t.DueDate != nil {
					fmt.Fprintf(&sb, ", due %s", t.DueDate.Format(time.DateOnly))
				}
				sb.WriteString(")\n")
			}
		}

		if len(cd.TeamMembers) > 0 {
			sb.WriteString("\n## Team\n")
			for _, m := range cd.TeamMembers {
				fmt.Fprintf(&sb, "- %s", m.Name)
				if m.Role != "" {
					fmt.Fprintf(&sb, ", %s", m.Role)
				}
				if m.Department != "" {
					fmt.Fprintf(&sb, ", %s", m.Department)
				}
				sb.WriteByte('\n')
			}
		}

		if !cd.Temporal.CurrentTime.IsZero() {
			fmt.Fprintf(&sb, "\n## Time\nNow: %s (%s)\n",
				cd.Temporal.CurrentTime.Format("Monday, 2006-01-02 15:04"), cd.Temporal.Timezone)
		}
	}

	sb.WriteString("\n## Actions\n")
	for _, t := range types.ActionTypes {
		fmt.Fprintf(&sb, "- %s: %s\n", t, actionContracts[t])
	}

	sb.WriteString("\n")
	sb.WriteString(resolutionRules)
	sb.WriteString("\n\n")
	sb.WriteString(responseContract)
	return sb.String()
}

// formatUserPrompt wraps the transcript for the model.
func formatUserPrompt(transcript string) string {
	return fmt.Sprintf("Voice command transcript:\n%q", transcript)
}
