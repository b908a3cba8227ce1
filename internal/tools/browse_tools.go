package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantfold/tycho-trading-agent/internal/search"
)

// RegisterBrowseTools adds the research surface: web_search against the
// configured search providers, and web_fetch for reading a page behind
// a result. Either tool is skipped when its backend is absent.
func RegisterBrowseTools(r *Registry, searcher *search.Manager, fetcher *search.Fetcher) {
	if searcher != nil && searcher.Configured() {
		r.Register(&Tool{
			Name: "web_search",
			Description: "Search the web for current information: news, filings, analyst " +
				"commentary, anything not in the market data feeds. Returns titles, URLs, " +
				"and snippets; follow up with web_fetch to read a full page.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"count": map[string]any{
						"type":        "integer",
						"description": "Number of results to return (default 5)",
					},
					"recency": map[string]any{
						"type":        "string",
						"enum":        []string{"day", "week", "month", "year"},
						"description": "Optional: restrict results to this recency window",
					},
				},
				"required": []string{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				if strings.TrimSpace(query) == "" {
					return "", fmt.Errorf("query is required")
				}
				count := intArg(args, "count")
				recency, _ := args["recency"].(string)

				results, err := searcher.Search(ctx, query, search.Options{
					Count:   count,
					Recency: recency,
				})
				if err != nil {
					return "", fmt.Errorf("web search: %w", err)
				}
				return search.FormatResults(results, count), nil
			},
		})
	}

	if fetcher != nil {
		r.Register(&Tool{
			Name: "web_fetch",
			Description: "Fetch a web page and return its readable text with navigation and " +
				"boilerplate stripped. Use after web_search to read an article, filing, or " +
				"press release in full.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"description": "Maximum characters of extracted text to return (default 50000)",
					},
				},
				"required": []string{"url"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				rawURL, _ := args["url"].(string)
				if strings.TrimSpace(rawURL) == "" {
					return "", fmt.Errorf("url is required")
				}
				maxChars := intArg(args, "max_chars")

				page, err := fetcher.Fetch(ctx, rawURL, maxChars)
				if err != nil {
					return "", fmt.Errorf("web fetch: %w", err)
				}
				return formatPage(page), nil
			},
		})
	}
}

// intArg reads a numeric argument. JSON numbers arrive as float64;
// some models send them as strings of digits, which also count.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

// formatPage renders a fetched page for the model.
func formatPage(page *search.Page) string {
	var sb strings.Builder
	if page.Title != "" {
		sb.WriteString("# " + page.Title + "\n")
	}
	sb.WriteString(page.URL)
	if page.StatusCode != 0 && page.StatusCode != 200 {
		fmt.Fprintf(&sb, " (HTTP %d)", page.StatusCode)
	}
	sb.WriteString("\n\n")
	sb.WriteString(page.Content)
	if page.Truncated {
		fmt.Fprintf(&sb, "\n\n[content truncated at %d characters; the page continues]", page.Length)
	}
	return sb.String()
}
