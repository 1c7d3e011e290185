package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const defaultSearchCount = 5

var (
	reResultLink    = regexp.MustCompile(`<a[^>]+class="[^"]*result__a[^"]*"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	reResultSnippet = regexp.MustCompile(`<a[^>]+class="[^"]*result__snippet[^"]*"[^>]*>(.+?)</a>`)
	reInlineTag     = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// NewSearchTool searches the web through Brave Search when an API key is
// configured and falls back to the DuckDuckGo HTML endpoint.
func NewSearchTool(opts Options) *domain.Tool {
	opts = opts.withDefaults()
	return &domain.Tool{
		Name:        "web_search",
		Description: "Searches the web for companies, people or pages matching a query. Returns titles, links and snippets.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query, e.g. 'fintech startups Lisbon'"},
				"count": map[string]any{"type": "integer", "description": "Maximum results (default 5)"},
			},
			Required: []string{"query"},
		},
		ExecutionType: domain.ExecNative,
		Execute: func(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return domain.ToolResult{}, domain.NewValidationError("query is required")
			}
			count := defaultSearchCount
			if n, ok := args["count"].(float64); ok && n > 0 {
				count = int(n)
			} else if n, ok := args["count"].(int); ok && n > 0 {
				count = n
			}

			var (
				results []SearchResult
				err     error
				source  = "brave"
			)
			if opts.BraveAPIKey != "" {
				results, err = searchBrave(ctx, opts, query, count)
			}
			if opts.BraveAPIKey == "" || (err != nil && !isHardFailure(err)) {
				source = "duckduckgo"
				results, err = searchDuckDuckGo(ctx, opts, query, count)
			}
			if err != nil {
				return domain.ToolResult{}, err
			}

			items := make([]any, 0, len(results))
			for _, r := range results {
				items = append(items, map[string]any{"title": r.Title, "link": r.Link, "snippet": r.Snippet})
			}
			return domain.ToolResult{
				Success: true,
				Data:    map[string]any{"query": query, "source": source, "items": items},
			}, nil
		},
	}
}

// isHardFailure reports errors a fallback provider would not fix.
func isHardFailure(err error) bool {
	return domain.IsValidation(err)
}

func searchBrave(ctx context.Context, opts Options, query string, count int) ([]SearchResult, error) {
	q := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.BraveEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.NewValidationError(err.Error())
	}
	req.Header.Set("X-Subscription-Token", opts.BraveAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := opts.Client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError("brave search request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.NewTransientError("decode brave response", err)
	}
	results := make([]SearchResult, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		results = append(results, SearchResult{Title: r.Title, Link: r.URL, Snippet: stripTags(r.Description)})
	}
	return results, nil
}

func searchDuckDuckGo(ctx context.Context, opts Options, query string, count int) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.DuckDuckGoEndpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, domain.NewValidationError(err.Error())
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := opts.Client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError("duckduckgo request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, domain.NewTransientError("read duckduckgo response", err)
	}
	return parseDuckDuckGo(string(body), count), nil
}

// parseDuckDuckGo extracts results from the HTML endpoint. Redirect links
// (//duckduckgo.com/l/?uddg=...) are resolved to their target.
func parseDuckDuckGo(html string, count int) []SearchResult {
	links := reResultLink.FindAllStringSubmatch(html, -1)
	snippets := reResultSnippet.FindAllStringSubmatch(html, -1)

	var results []SearchResult
	for i, m := range links {
		if len(results) >= count {
			break
		}
		link := m[1]
		if strings.Contains(link, "uddg=") {
			if u, err := url.Parse(link); err == nil {
				if target := u.Query().Get("uddg"); target != "" {
					link = target
				}
			}
		}
		title := stripTags(m[2])
		snippet := ""
		if i < len(snippets) {
			snippet = stripTags(snippets[i][1])
		}
		if title == "" || link == "" {
			continue
		}
		results = append(results, SearchResult{Title: title, Link: link, Snippet: snippet})
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reInlineTag.ReplaceAllString(s, ""))
}
