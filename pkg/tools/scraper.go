package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/utils"
)

// ScraperTool fetches a web page and reduces it to readable text.
type ScraperTool struct {
	maxBytes int
	client   *http.Client
}

func NewScraperTool(maxBytes, timeoutSeconds int) *ScraperTool {
	if maxBytes <= 0 {
		maxBytes = 262144
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 20
	}
	return &ScraperTool{
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

func (t *ScraperTool) Name() string { return "scraper" }

func (t *ScraperTool) Catalog() []capability.Entry {
	return []capability.Entry{
		{
			Tool: "scraper", Func: "fetch",
			Description: "Fetch a web page and return its readable text",
			Tags:        []string{"read", "scrape", "fetch"},
			Synonyms:    []string{"open", "browse", "visit"},
			SideEffect:  true,
		},
	}
}

func (t *ScraperTool) Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult {
	if fn != "fetch" {
		return ErrorResult(fmt.Sprintf("scraper: unknown function %q", fn))
	}
	rawURL := stringArg(args, "url")
	if rawURL == "" {
		return ErrorResult("scraper: missing url argument")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return ErrorResult(fmt.Sprintf("scraper: unsupported url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("scraper: %v", err))
	}
	req.Header.Set("User-Agent", "parley/1.0 (+https://github.com/tinyland-inc/parley)")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("scraper: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("scraper: HTTP %d for %s", resp.StatusCode, rawURL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)))
	if err != nil {
		return ErrorResult(fmt.Sprintf("scraper: read: %v", err))
	}

	text := htmlToText(string(body))
	if text == "" {
		return TextResult(fmt.Sprintf("Fetched %s but found no readable text.", rawURL))
	}

	title := extractTitle(string(body))
	markdown := text
	if title != "" {
		markdown = fmt.Sprintf("## %s\n\n%s\n\n_Source: %s_", title, text, rawURL)
	}
	return &ToolResult{
		ForLLM:   utils.Truncate(text, 2000),
		Markdown: markdown,
	}
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript|head)[^>]*>.*?</(script|style|noscript|head)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	blockRe  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|br)>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
	spaceRe  = regexp.MustCompile(`[ \t]{2,}`)
)

func htmlToText(html string) string {
	out := scriptRe.ReplaceAllString(html, "")
	out = blockRe.ReplaceAllString(out, "\n")
	out = tagRe.ReplaceAllString(out, " ")
	out = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(out)
	out = spaceRe.ReplaceAllString(out, " ")

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return blankRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

func extractTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(tagRe.ReplaceAllString(m[1], ""))
}
