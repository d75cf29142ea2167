// Package prompt shapes raw user text into model prompts.
package prompt

import (
	"regexp"
	"strings"
)

// Kind is a prompt layout understood by Format.
type Kind string

const (
	KindLlama      Kind = "llama"
	KindChat       Kind = "chat"
	KindCompletion Kind = "completion"
)

// ParseKind maps a user-supplied name onto a Kind. Unknown names, including
// the empty string, mean completion.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "llama", "llama2":
		return KindLlama
	case "chat":
		return KindChat
	default:
		return KindCompletion
	}
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	systemRe     = regexp.MustCompile(`(?is)\[SYSTEM\](.*?)\[/SYSTEM\]`)
)

// Format cleans text and wraps it in the layout for kind.
func Format(text string, kind Kind) string {
	cleaned := Clean(text)
	switch kind {
	case KindLlama:
		if strings.Contains(cleaned, "[INST]") {
			return cleaned
		}
		return "[INST] " + cleaned + " [/INST]"
	case KindChat:
		return "User: " + cleaned + "\nAssistant:"
	default:
		return cleaned
	}
}

// Clean collapses whitespace runs to single spaces and trims the ends.
func Clean(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// ExtractSystemMessage returns the body of the first [SYSTEM]...[/SYSTEM]
// block, matched case-insensitively, or "".
func ExtractSystemMessage(text string) string {
	m := systemRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// StripSystemMessage removes every [SYSTEM]...[/SYSTEM] block.
func StripSystemMessage(text string) string {
	return strings.TrimSpace(systemRe.ReplaceAllString(text, ""))
}

// FormatConversation renders messages in the llama instruction layout.
// Unknown roles are skipped.
func FormatConversation(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("[INST] <<SYS>>\n" + m.Content + "\n<</SYS>>\n\n")
		case "user":
			b.WriteString("[INST] " + m.Content + " [/INST]")
		case "assistant":
			b.WriteString(m.Content + "\n")
		}
	}
	return b.String()
}

// Split breaks text into chunks of at most maxChunk bytes on word
// boundaries. A single word longer than maxChunk becomes its own chunk.
func Split(text string, maxChunk int) []string {
	var chunks []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+len(word)+1 > maxChunk {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// DetectType guesses the layout text is already written in.
func DetectType(text string) Kind {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "[inst]") || strings.Contains(lower, "[/inst]") {
		return KindLlama
	}
	if strings.Contains(lower, "user:") || strings.Contains(lower, "assistant:") {
		return KindChat
	}
	return KindCompletion
}

// Build turns raw input into the final prompt: a [SYSTEM] block, if
// present, becomes the system turn of a llama conversation; otherwise the
// text is formatted as kind.
func Build(text string, kind Kind) string {
	system := strings.TrimSpace(ExtractSystemMessage(text))
	if system == "" {
		return Format(text, kind)
	}
	return FormatConversation([]Message{
		{Role: "system", Content: system},
		{Role: "user", Content: Clean(StripSystemMessage(text))},
	})
}
