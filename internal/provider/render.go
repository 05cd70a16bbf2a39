package provider

import (
	"strings"

	"github.com/convoke-dev/convoke/internal/message"
)

// RenderText flattens a message's prose and code segments back into the
// fenced-text form models emit, for replaying history to a backend.
// Tool call and result segments are handled separately by each adapter.
func RenderText(m message.Message) string {
	var sb strings.Builder
	for _, seg := range m.Segments {
		switch seg.Type {
		case message.SegmentText:
			sb.WriteString(seg.Text)
		case message.SegmentCode:
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("```")
			sb.WriteString(seg.Language)
			sb.WriteString("\n")
			sb.WriteString(seg.Content)
			if !strings.HasSuffix(seg.Content, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("```\n")
		}
	}
	return sb.String()
}

// ToolResults returns the tool result segments of a message in order.
func ToolResults(m message.Message) []message.ToolResult {
	var results []message.ToolResult
	for _, seg := range m.Segments {
		if seg.Type == message.SegmentToolResult && seg.ToolResult != nil {
			results = append(results, *seg.ToolResult)
		}
	}
	return results
}
