// Package builtin provides the built-in tool definitions shipped with the
// runtime. Built-ins resolve ahead of plugin and MCP tools.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/convoke-dev/convoke/internal/tool"
)

const (
	maxResponseSize = 5 * 1024 * 1024 // 5MB
	httpTimeout     = 30 * time.Second
)

// WebFetch returns the built-in URL-fetching tool. HTML responses are
// converted to Markdown so the model gets readable text.
func WebFetch() tool.Definition {
	return tool.Definition{
		Name:        "web_fetch",
		Description: "Fetch content from a URL. Converts HTML to Markdown for readability.",
		Source:      tool.SourceBuiltin,
		Params: map[string]tool.ParamSpec{
			"url": {
				Type:        "string",
				Description: "The URL to fetch content from",
				Required:    true,
			},
			"format": {
				Type:        "string",
				Description: "Output format",
				Default:     "markdown",
				Enum:        []any{"markdown", "raw"},
			},
		},
		Handler: fetchURL,
	}
}

func fetchURL(ctx context.Context, args map[string]any) (string, error) {
	urlStr, _ := args["url"].(string)
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		urlStr = "https://" + urlStr
	}

	format, _ := args["format"].(string)

	client := &http.Client{Timeout: httpTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "convoke/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	content := string(body)
	if format != "raw" && strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		converter := md.NewConverter("", true, nil)
		if markdown, err := converter.ConvertString(content); err == nil {
			content = markdown
		}
	}

	return content, nil
}
