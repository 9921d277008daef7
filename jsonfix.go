package main

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSONBlock pulls the most likely JSON object out of free-form model
// output: a fenced code block if present, otherwise the first balanced
// top-level brace pair, otherwise the text as-is.
func ExtractJSONBlock(text string) string {
	text = strings.TrimSpace(text)

	if match := fencedJSONPattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return text
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text[start:]
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// sanitizeJSON applies repairs for the malformations models actually
// produce: trailing commas before a closing brace or bracket, and raw
// control characters inside string literals
func sanitizeJSON(text string) string {
	text = trailingCommaPattern.ReplaceAllString(text, "$1")

	var out strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			out.WriteByte(ch)
			escaped = true
		case ch == '"':
			inString = !inString
			out.WriteByte(ch)
		case inString && ch == '\n':
			out.WriteString(`\n`)
		case inString && ch == '\r':
			out.WriteString(`\r`)
		case inString && ch == '\t':
			out.WriteString(`\t`)
		case inString && ch < 0x20:
			out.WriteString(fmt.Sprintf(`\u%04x`, ch))
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

// DecodeModelJSON decodes JSON embedded in model output into v.
// First pass is a strict decode of the extracted block; on failure the
// block is sanitized and decoded once more.
func DecodeModelJSON(text string, v any) error {
	block := ExtractJSONBlock(text)

	if err := json.Unmarshal([]byte(block), v); err == nil {
		return nil
	}

	repaired := sanitizeJSON(block)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("could not decode model JSON: %w", err)
	}
	return nil
}
