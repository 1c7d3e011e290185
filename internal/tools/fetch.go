package tools

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const (
	maxFetchBytes   = 1 << 20
	maxContentChars = 32000
)

// NewFetchTool fetches a page and returns its text content. HTML is reduced
// to visible text.
func NewFetchTool(opts Options) *domain.Tool {
	opts = opts.withDefaults()
	client := opts.guardedClient()
	return &domain.Tool{
		Name:        "fetch_url",
		Description: "Fetches a web page (company site, profile, directory listing) and returns its text content. Max 1MB response.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch, e.g. https://example.com/about",
				},
			},
			Required: []string{"url"},
		},
		ExecutionType: domain.ExecNative,
		Execute: func(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
			rawURL, _ := args["url"].(string)
			if rawURL == "" {
				return domain.ToolResult{}, domain.NewValidationError("url is required")
			}
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				rawURL = "https://" + rawURL
			}
			if !opts.AllowPrivate && isInternalTarget(rawURL) {
				return domain.ToolResult{}, domain.NewValidationError("URL denied: cannot fetch internal or private addresses")
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return domain.ToolResult{}, domain.NewValidationError("invalid URL: " + err.Error())
			}
			req.Header.Set("User-Agent", opts.UserAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,*/*")

			resp, err := client.Do(req)
			if err != nil {
				if domain.IsValidation(err) {
					return domain.ToolResult{}, err
				}
				return domain.ToolResult{}, domain.NewTransientError("fetch failed", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return domain.ToolResult{}, statusError(resp)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return domain.ToolResult{}, domain.NewTransientError("read response", err)
			}
			content := string(body)
			contentType := resp.Header.Get("Content-Type")
			if strings.Contains(contentType, "text/html") || strings.Contains(content, "<html") {
				content = extractText(content)
			}
			truncated := false
			if len(content) > maxContentChars {
				content = content[:maxContentChars]
				truncated = true
			}

			return domain.ToolResult{
				Success: true,
				Data: map[string]any{
					"url":          rawURL,
					"status":       resp.StatusCode,
					"content_type": contentType,
					"content":      content,
					"truncated":    truncated,
				},
			}, nil
		},
	}
}

// extractText strips script, style and layout blocks, then every remaining
// tag, and collapses whitespace.
func extractText(html string) string {
	result := html
	for _, tag := range []string{"script", "style", "noscript", "nav", "footer", "header"} {
		for {
			lower := strings.ToLower(result)
			open := strings.Index(lower, "<"+tag)
			if open == -1 {
				break
			}
			closeIdx := strings.Index(lower[open:], "</"+tag+">")
			if closeIdx == -1 {
				result = result[:open]
				break
			}
			result = result[:open] + result[open+closeIdx+len("</"+tag+">"):]
		}
	}

	var text strings.Builder
	inTag := false
	for _, ch := range result {
		switch {
		case ch == '<':
			inTag = true
		case ch == '>':
			inTag = false
			text.WriteRune(' ')
		case !inTag:
			text.WriteRune(ch)
		}
	}

	var cleaned []string
	for _, line := range strings.Split(text.String(), "\n") {
		if trimmed := strings.Join(strings.Fields(line), " "); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, "\n")
}
