package main

import (
	"fmt"
	"strings"
	"unicode"
)

// RenderConversationMarkdown renders a conversation as a formatted Markdown
// document: each question followed by the council's final answer, with
// individual responses and peer rankings in collapsible sections
func RenderConversationMarkdown(conversation *Conversation) string {
	var md strings.Builder

	title := conversation.Title
	if title == "" {
		title = "AI Council Conversation"
	}
	md.WriteString(fmt.Sprintf("# %s\n\n", title))
	md.WriteString(fmt.Sprintf("**Date:** %s\n\n", conversation.CreatedAt.Format("2006-01-02")))
	md.WriteString("---\n\n")

	for _, msg := range conversation.Messages {
		switch msg.Role {
		case "user":
			md.WriteString("## Question\n\n")
			md.WriteString(msg.Content)
			md.WriteString("\n\n")

		case "assistant":
			if msg.Stage3 != nil && msg.Stage3.Response != "" {
				md.WriteString("## AI Council Answer\n\n")
				md.WriteString(msg.Stage3.Response)
				md.WriteString("\n\n")
			}

			if len(msg.Stage1) > 0 {
				md.WriteString("### Individual Model Responses\n\n")
				md.WriteString("<details>\n<summary>Click to expand individual responses</summary>\n\n")
				for _, response := range msg.Stage1 {
					md.WriteString(fmt.Sprintf("#### %s\n\n", response.Model))
					md.WriteString(response.Response)
					md.WriteString("\n\n")
				}
				md.WriteString("</details>\n\n")
			}

			if len(msg.Stage2) > 0 {
				md.WriteString("### Peer Rankings\n\n")
				md.WriteString("<details>\n<summary>Click to expand peer rankings</summary>\n\n")
				for _, ranking := range msg.Stage2 {
					if len(ranking.ParsedRanking) > 0 {
						md.WriteString(fmt.Sprintf("**%s:** %s\n", ranking.Model, strings.Join(ranking.ParsedRanking, ", ")))
					} else {
						md.WriteString(fmt.Sprintf("**%s:** (no parsed ranking)\n", ranking.Model))
					}
				}
				md.WriteString("\n</details>\n\n")
			}

			md.WriteString("---\n\n")
		}
	}

	md.WriteString("*Generated by AI Council*")
	return md.String()
}

// ExportFilename derives a safe .md filename from a conversation title
func ExportFilename(title string) string {
	if title == "" {
		title = "conversation"
	}

	var safe strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			safe.WriteRune(r)
		} else {
			safe.WriteRune('_')
		}
	}

	name := strings.ReplaceAll(strings.TrimSpace(safe.String()), " ", "-")
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" {
		name = "conversation"
	}
	return name + ".md"
}
