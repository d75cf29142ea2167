package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Template represents a prompt template
type Template struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	System      string            `json:"system"`
	Template    string            `json:"template"`
	Variables   []string          `json:"variables"`
	Defaults    map[string]string `json:"defaults,omitempty"`
}

// BuiltinTemplates are short task prompts sized for small on-device models.
var BuiltinTemplates = map[string]*Template{
	"summarize": {
		Name:        "summarize",
		Description: "Summarize text concisely",
		System:      "You are a helpful assistant that writes short, clear summaries.",
		Template:    "Summarize the following text in {{.length}}:\n\n{{.text}}",
		Variables:   []string{"text", "length"},
		Defaults:    map[string]string{"length": "3 sentences"},
	},
	"explain": {
		Name:        "explain",
		Description: "Explain a concept simply",
		System:      "You are a patient teacher who explains things in plain words.",
		Template:    "Explain {{.concept}} to someone at a {{.level}} level.",
		Variables:   []string{"concept", "level"},
		Defaults:    map[string]string{"level": "beginner"},
	},
	"translate": {
		Name:        "translate",
		Description: "Translate text between languages",
		System:      "You are a careful translator.",
		Template:    "Translate the following text from {{.from}} to {{.to}}:\n\n{{.text}}",
		Variables:   []string{"text", "from", "to"},
		Defaults:    map[string]string{"from": "English"},
	},
	"diagnose": {
		Name:        "diagnose",
		Description: "Interpret a device or sensor reading",
		System:      "You are a field technician for offline edge devices.",
		Template:    "A {{.device}} reports the following:\n\n{{.reading}}\n\nWhat is the likely cause and what should be checked first?",
		Variables:   []string{"reading", "device"},
		Defaults:    map[string]string{"device": "device"},
	},
}

// Apply fills the template's variables. Missing variables take their
// default; a missing variable without a default is an error.
func (t *Template) Apply(variables map[string]string) (string, error) {
	result := t.Template

	values := make(map[string]string, len(t.Variables))
	for _, name := range t.Variables {
		if v, ok := variables[name]; ok {
			values[name] = v
			continue
		}
		if d, ok := t.Defaults[name]; ok {
			values[name] = d
			continue
		}
		return "", fmt.Errorf("missing required variable: %s", name)
	}

	for key, value := range values {
		result = strings.ReplaceAll(result, "{{."+key+"}}", value)
	}
	return result, nil
}

// Render applies variables and wraps the result with the template's system
// message as a llama conversation.
func (t *Template) Render(variables map[string]string) (string, error) {
	body, err := t.Apply(variables)
	if err != nil {
		return "", err
	}
	return FormatConversation([]Message{
		{Role: "system", Content: t.System},
		{Role: "user", Content: body},
	}), nil
}

// GetTemplate returns a template by name
func GetTemplate(name string) (*Template, error) {
	template, exists := BuiltinTemplates[name]
	if !exists {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return template, nil
}

// ListTemplates returns all available template names, sorted.
func ListTemplates() []string {
	names := make([]string, 0, len(BuiltinTemplates))
	for name := range BuiltinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
