package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/manthysbr/prospector/internal/core/domain"
)

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePhone = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// NewExtractContactsTool pulls email addresses and phone numbers out of free
// text, typically the content returned by fetch_url.
func NewExtractContactsTool() *domain.Tool {
	return &domain.Tool{
		Name:        "extract_contacts",
		Description: "Extracts email addresses and phone numbers from text. Returns one item per distinct contact.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to scan"},
			},
			Required: []string{"text"},
		},
		Execute: func(_ context.Context, args map[string]any) (domain.ToolResult, error) {
			text, ok := args["text"].(string)
			if !ok {
				return domain.ToolResult{}, domain.NewValidationError("text must be a string")
			}

			emails := distinct(reEmail.FindAllString(text, -1), strings.ToLower)
			phones := distinct(rePhone.FindAllString(text, -1), normalizePhone)

			items := make([]any, 0, len(emails)+len(phones))
			for _, e := range emails {
				items = append(items, map[string]any{"type": "email", "value": e})
			}
			for _, p := range phones {
				items = append(items, map[string]any{"type": "phone", "value": p})
			}
			return domain.ToolResult{
				Success: true,
				Data:    map[string]any{"items": items, "emails": len(emails), "phones": len(phones)},
			}, nil
		},
	}
}

func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func distinct(in []string, norm func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = norm(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
