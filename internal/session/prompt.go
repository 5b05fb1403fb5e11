package session

import (
	"strings"
	"text/template"
)

// ResumeMarker is the only reply the agent is asked to give to a priming
// prompt.
const ResumeMarker = "--- RESUMING ---"

var resumePromptTmpl = template.Must(template.New("resume").Parse(
	`IMPORTANT INSTRUCTION: The following is a TRANSCRIPT of a previous conversation session.
These messages were ALREADY sent and answered in a prior session.
DO NOT answer or respond to ANY of the messages in the transcript.
Your ONLY task is to read the transcript for context, then respond with EXACTLY:
{{.Marker}}
Nothing else. No answers, no commentary, no summaries. Just "{{.Marker}}".
After that, wait for the user's next NEW message.

=== PREVIOUS CONVERSATION TRANSCRIPT ===
{{range .Inputs}}[User said]: {{.}}
{{end}}=== END OF TRANSCRIPT ===

Remember: Do NOT answer anything above. Respond ONLY with "{{.Marker}}"`))

// BuildResumePrompt renders the priming prompt that replays inputs as an
// already-answered transcript.
func BuildResumePrompt(inputs []string) string {
	var sb strings.Builder
	data := struct {
		Marker string
		Inputs []string
	}{Marker: ResumeMarker, Inputs: inputs}
	if err := resumePromptTmpl.Execute(&sb, data); err != nil {
		panic(err)
	}
	return sb.String()
}
