// Package reminder injects ephemeral advisory notes into a single model
// request. Reminders never enter the persisted transcript: Inject returns a
// new slice and leaves its input untouched.
package reminder

import (
	"strings"

	"github.com/circuitpilot/agentloop/runtime/agent/model"
)

// MetaKey marks injected messages in Message.Meta.
const MetaKey = "reminder"

// Reminder is one piece of guidance for the next model turn.
type Reminder struct {
	// ID identifies the reminder source, for example "guardrails".
	ID string
	// Text is the plain guidance; Inject wraps it in a system-reminder tag.
	Text string
}

// Explanation documents system-reminder blocks for inclusion in system
// prompts.
const Explanation = `You may see <system-reminder>...</system-reminder> blocks in system messages.
They are added by the host to steer the current task. Follow them when they apply,
but do not repeat their markup or wording back to the user.`

// Inject returns a copy of msgs with the reminders grouped into one system
// message. The note goes right before the last user message, unless tool
// results follow that message, in which case it is appended at the end so
// assistant tool calls stay adjacent to their results.
func Inject(msgs []*model.Message, rems ...Reminder) []*model.Message {
	text := combine(rems)
	if text == "" || len(msgs) == 0 {
		return msgs
	}
	note := &model.Message{
		Role:    model.RoleSystem,
		Content: text,
		Meta:    map[string]any{MetaKey: true},
	}
	insertAt := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil {
			continue
		}
		if msgs[i].Role == model.RoleTool {
			break
		}
		if msgs[i].Role == model.RoleUser {
			insertAt = i
			break
		}
	}
	out := make([]*model.Message, 0, len(msgs)+1)
	out = append(out, msgs[:insertAt]...)
	out = append(out, note)
	out = append(out, msgs[insertAt:]...)
	return out
}

// IsReminder reports whether m was produced by Inject.
func IsReminder(m *model.Message) bool {
	if m == nil {
		return false
	}
	v, _ := m.Meta[MetaKey].(bool)
	return v
}

func combine(rems []Reminder) string {
	var b strings.Builder
	for _, r := range rems {
		t := strings.TrimSpace(r.Text)
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if strings.Contains(t, "<system-reminder>") {
			b.WriteString(t)
			continue
		}
		b.WriteString("<system-reminder>")
		b.WriteString(t)
		b.WriteString("</system-reminder>")
	}
	return b.String()
}
