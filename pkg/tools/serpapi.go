package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/utils"
)

const serpapiDefaultBaseURL = "https://serpapi.com"

// SerpAPITool answers search capability requests through the SerpAPI
// Google endpoints.
type SerpAPITool struct {
	apiKey     string
	baseURL    string
	maxResults int
	client     *http.Client
}

func NewSerpAPITool(apiKey, baseURL string, maxResults int) *SerpAPITool {
	if baseURL == "" {
		baseURL = serpapiDefaultBaseURL
	}
	if maxResults <= 0 {
		maxResults = 8
	}
	return &SerpAPITool{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxResults: maxResults,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *SerpAPITool) Name() string { return "serpapi" }

func (t *SerpAPITool) Catalog() []capability.Entry {
	return []capability.Entry{
		{
			Tool: "serpapi", Func: "google_search",
			Description: "Search the web with Google",
			Tags:        []string{"search", "web"},
			Synonyms:    []string{"find", "lookup", "google"},
			SideEffect:  true,
		},
		{
			Tool: "serpapi", Func: "google_news",
			Description: "Search recent news headlines",
			Tags:        []string{"search", "news"},
			Synonyms:    []string{"headlines", "latest", "today"},
			SideEffect:  true,
		},
	}
}

func (t *SerpAPITool) Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult {
	query := stringArg(args, "query")
	if query == "" {
		query = stringArg(args, "q")
	}
	if query == "" {
		return ErrorResult("serpapi: missing query argument")
	}

	switch fn {
	case "google_search":
		return t.search(ctx, query, "")
	case "google_news":
		return t.search(ctx, query, "nws")
	default:
		return ErrorResult(fmt.Sprintf("serpapi: unknown function %q", fn))
	}
}

type serpapiResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Source  string `json:"source"`
	} `json:"organic_results"`
	News []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Source  any    `json:"source"`
	} `json:"news_results"`
	Error string `json:"error"`
}

func (t *SerpAPITool) search(ctx context.Context, query, tbm string) *ToolResult {
	q := url.Values{}
	q.Set("q", query)
	q.Set("api_key", t.apiKey)
	q.Set("num", fmt.Sprintf("%d", t.maxResults))
	if tbm != "" {
		q.Set("tbm", tbm)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("serpapi: %v", err))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("serpapi: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("serpapi: HTTP %d", resp.StatusCode))
	}

	var parsed serpapiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ErrorResult(fmt.Sprintf("serpapi: decode: %v", err))
	}
	if parsed.Error != "" {
		return ErrorResult(fmt.Sprintf("serpapi: %s", parsed.Error))
	}

	items := t.collect(parsed)
	if len(items) == 0 {
		return TextResult(fmt.Sprintf("No results for %q.", query))
	}

	return &ToolResult{
		ForLLM:   fmt.Sprintf("%d results for %q", len(items), query),
		Markdown: renderItems(query, items),
		Items:    items,
	}
}

func (t *SerpAPITool) collect(parsed serpapiResponse) []results.Item {
	var items []results.Item
	for _, r := range parsed.News {
		source := ""
		switch s := r.Source.(type) {
		case string:
			source = s
		case map[string]any:
			if name, ok := s["name"].(string); ok {
				source = name
			}
		}
		items = append(items, results.Item{
			Title:   r.Title,
			URL:     r.Link,
			Snippet: r.Snippet,
			Source:  source,
		})
	}
	for _, r := range parsed.Organic {
		items = append(items, results.Item{
			Title:   r.Title,
			URL:     r.Link,
			Snippet: r.Snippet,
			Source:  r.Source,
		})
	}
	if len(items) > t.maxResults {
		items = items[:t.maxResults]
	}
	return items
}

func renderItems(query string, items []results.Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for **%s**:\n\n", query)
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. [%s](%s)", i+1, item.Title, item.URL)
		if item.Source != "" {
			fmt.Fprintf(&sb, " — %s", item.Source)
		}
		sb.WriteString("\n")
		if item.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", utils.Truncate(item.Snippet, 200))
		}
	}
	sb.WriteString("\nSay \"read #N\" to open one.")
	return sb.String()
}
