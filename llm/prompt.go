package llm

import "strings"

// Prompt is one externally owned prompt template pair. UserTemplate carries
// {placeholder} markers substituted at render time.
type Prompt struct {
	Name         string
	System       string
	UserTemplate string
}

// Render substitutes {key} placeholders in the user template.
func (p Prompt) Render(vars map[string]string) string {
	out := p.UserTemplate
	for key, val := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", val)
	}
	return out
}
