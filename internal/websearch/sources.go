package websearch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// maxBodyBytes caps how much of any response body is read.
const maxBodyBytes = 1 << 20

// fetch performs one GET with the shared hygiene: User-Agent set, context
// deadline honored, body capped.
func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, req.URL.Host)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// ═══════════════════════════════════════════════════════════════════════════
// DuckDuckGo (general HTML search)
// ═══════════════════════════════════════════════════════════════════════════

// DuckDuckGoSource scrapes the HTML endpoint. No API key required.
type DuckDuckGoSource struct {
	client  *http.Client
	baseURL string
}

// NewDuckDuckGoSource creates the general-web source.
func NewDuckDuckGoSource(client *http.Client) *DuckDuckGoSource {
	return &DuckDuckGoSource{client: client, baseURL: "https://html.duckduckgo.com/html/"}
}

func (s *DuckDuckGoSource) Name() string { return "duckduckgo" }

var (
	ddgResultRe  = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

func (s *DuckDuckGoSource) Search(ctx context.Context, query string) ([]Result, error) {
	u := s.baseURL + "?q=" + url.QueryEscape(query)
	body, err := fetch(ctx, s.client, u)
	if err != nil {
		return nil, err
	}

	links := ddgResultRe.FindAllStringSubmatch(string(body), 10)
	snippets := ddgSnippetRe.FindAllStringSubmatch(string(body), 10)

	results := make([]Result, 0, len(links))
	for i, m := range links {
		snippet := ""
		if i < len(snippets) {
			snippet = stripTags(snippets[i][1])
		}
		results = append(results, Result{
			Title:   stripTags(m[2]),
			URL:     html.UnescapeString(m[1]),
			Snippet: snippet,
			Source:  s.Name(),
		})
	}
	return results, nil
}

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// ═══════════════════════════════════════════════════════════════════════════
// Wikipedia (encyclopedia API)
// ═══════════════════════════════════════════════════════════════════════════

// WikipediaSource uses the opensearch JSON API.
type WikipediaSource struct {
	client  *http.Client
	baseURL string
}

// NewWikipediaSource creates the encyclopedia source.
func NewWikipediaSource(client *http.Client) *WikipediaSource {
	return &WikipediaSource{client: client, baseURL: "https://en.wikipedia.org/w/api.php"}
}

func (s *WikipediaSource) Name() string { return "wikipedia" }

func (s *WikipediaSource) Search(ctx context.Context, query string) ([]Result, error) {
	u := fmt.Sprintf("%s?action=opensearch&format=json&limit=5&search=%s",
		s.baseURL, url.QueryEscape(query))
	body, err := fetch(ctx, s.client, u)
	if err != nil {
		return nil, err
	}

	// Opensearch responses are a 4-element array: query, titles,
	// descriptions, urls.
	var payload []json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed opensearch response: %w", err)
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("unexpected opensearch shape (%d elements)", len(payload))
	}

	var titles, descriptions, urls []string
	if err := json.Unmarshal(payload[1], &titles); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(payload[2], &descriptions)
	if err := json.Unmarshal(payload[3], &urls); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(titles))
	for i, title := range titles {
		r := Result{Title: title, Source: s.Name()}
		if i < len(urls) {
			r.URL = urls[i]
		}
		if i < len(descriptions) {
			r.Snippet = descriptions[i]
		}
		results = append(results, r)
	}
	return results, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// arXiv (preprint API)
// ═══════════════════════════════════════════════════════════════════════════

// ArxivSource queries the Atom feed API.
type ArxivSource struct {
	client  *http.Client
	baseURL string
}

// NewArxivSource creates the preprint source.
func NewArxivSource(client *http.Client) *ArxivSource {
	return &ArxivSource{client: client, baseURL: "http://export.arxiv.org/api/query"}
}

func (s *ArxivSource) Name() string { return "arxiv" }

type arxivFeed struct {
	Entries []struct {
		Title   string `xml:"title"`
		Summary string `xml:"summary"`
		ID      string `xml:"id"`
	} `xml:"entry"`
}

func (s *ArxivSource) Search(ctx context.Context, query string) ([]Result, error) {
	u := fmt.Sprintf("%s?search_query=all:%s&max_results=5", s.baseURL, url.QueryEscape(query))
	body, err := fetch(ctx, s.client, u)
	if err != nil {
		return nil, err
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("malformed arxiv feed: %w", err)
	}

	results := make([]Result, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		results = append(results, Result{
			Title:   strings.TrimSpace(e.Title),
			URL:     strings.TrimSpace(e.ID),
			Snippet: compactSnippet(e.Summary),
			Source:  s.Name(),
		})
	}
	return results, nil
}
