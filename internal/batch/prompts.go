package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/vestige-memory/vestige/internal/model"
)

const mentionExtractionSystem = `You extract named entities mentioned in a conversation turn. ` +
	`For each distinct person, place, organization, or named concept, emit a tuple of ` +
	`(name, type, topic). type is one of: person, place, organization, concept, other. ` +
	`topic is a short lowercase label grouping related entities (e.g. "work", "family", "health").`

func buildMentionExtractionPrompt(msg model.Message) string {
	return fmt.Sprintf("Message: %s\n\nList every named entity mentioned.", msg.Text)
}

const disambiguationReasoningSystem = `You resolve entity mentions against a set of already-known entities. ` +
	`For each mention or group of co-referring mentions, decide one of three outcomes:
  EXISTING | <canonical_name> | <mention>   -- the mention refers to an already-known entity
  NEW_GROUP | m1, m2, ...                   -- two or more mentions in this batch co-refer to one new entity
  NEW_SINGLE | m                            -- the mention is a new entity referred to only once
Output one line per decision, nothing else.`

func buildDisambiguationPrompt(mentions []Mention, known []model.Entity, batchText string) string {
	var sb strings.Builder
	sb.WriteString("Mentions this batch:\n")
	for _, m := range mentions {
		fmt.Fprintf(&sb, "- %s (%s, topic=%s)\n", m.Name, m.Type, m.Topic)
	}
	sb.WriteString("\nKnown entities:\n")
	if len(known) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, e := range known {
		fmt.Fprintf(&sb, "- %s (%s), aliases: %s\n", e.CanonicalName, e.Type, strings.Join(e.Aliases, ", "))
	}
	sb.WriteString("\nBatch text:\n")
	sb.WriteString(batchText)
	return sb.String()
}

const disambiguationParseSystem = `Parse the resolution lines below into structured entries. ` +
	`Each line is "VERDICT | payload". For EXISTING, payload is "canonical_name | mention". ` +
	`For NEW_GROUP or NEW_SINGLE, payload is a comma-separated list of mentions.`

func buildDisambiguationParsePrompt(reasoning string) string {
	return reasoning
}

const relationshipReasoningSystem = `You identify which entities interact within each message. ` +
	`For every message, emit one line:
  MSG <id> | <entity a>, <entity b> | <reason>
or, if no two entities interact:
  MSG <id> | NO CONNECTIONS
Use only entities from the candidate list below. Order each pair so entity a < entity b lexicographically. ` +
	`The reason should state whether this is a direct interaction, a clear association, or just contextual co-occurrence.`

func buildRelationshipPrompt(candidates []model.Entity, messages []model.Message) string {
	var sb strings.Builder
	sb.WriteString("Candidate entities:\n")
	for _, e := range candidates {
		fmt.Fprintf(&sb, "- %s\n", e.CanonicalName)
	}
	sb.WriteString("\nMessages:\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "MSG %d: %s\n", m.ID, m.Text)
	}
	return sb.String()
}

const relationshipParseSystem = `Parse the connection lines below into structured records. ` +
	`Assign confidence from the reason: 0.9 for a direct interaction, 0.8 for a clear association, ` +
	`0.7 for mere contextual co-occurrence. Skip "NO CONNECTIONS" lines.`

func buildRelationshipParsePrompt(reasoning string) string {
	return reasoning
}

const profileUpdateSystem = `You maintain a running summary of one entity based on recent observations. ` +
	`Update the existing summary only with new, persistent information; ignore one-off chitchat. ` +
	`If nothing has changed, return the existing summary verbatim.`

func buildProfileUpdatePrompt(existingSummary string, aliases []string, observations []model.Message, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Known aliases: %s\n\n", strings.Join(aliases, ", "))
	fmt.Fprintf(&sb, "Existing summary: %s\n\n", existingSummary)
	sb.WriteString("Recent observations:\n")
	for _, m := range observations {
		fmt.Fprintf(&sb, "- (%s) %s\n", relativeTime(now, m.Timestamp), m.Text)
	}
	return sb.String()
}

// ProfileUpdateSystem is the profile-refresh system prompt, exported so
// the scheduler's ProfileRefinementJob can reuse the same prompt the
// batch processor's own per-entity profile task uses.
const ProfileUpdateSystem = profileUpdateSystem

// BuildProfileUpdatePrompt is the exported form of buildProfileUpdatePrompt.
func BuildProfileUpdatePrompt(existingSummary string, aliases []string, observations []model.Message, now time.Time) string {
	return buildProfileUpdatePrompt(existingSummary, aliases, observations, now)
}

// relativeTime renders a coarse "N hours ago"-style phrase.
func relativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
}
