package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/okcvm/okcvm/external"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// WebSearchTool implements mshtools-web_search against the public
// DuckDuckGo instant-answer endpoint, grounded on tools/search.py.
type WebSearchTool struct{ client *external.Client }

// NewWebSearchTool constructs a WebSearchTool using client for outbound
// requests.
func NewWebSearchTool(client *external.Client) toolregistry.Tool {
	return &WebSearchTool{client: client}
}

type ddgTopic struct {
	FirstURL string     `json:"FirstURL"`
	Text     string     `json:"Text"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
	AbstractURL   string     `json:"AbstractURL"`
	AbstractText  string     `json:"AbstractText"`
	Heading       string     `json:"Heading"`
}

// Call implements toolregistry.Tool.
func (t *WebSearchTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	queryStr, err := normalizeQuery(args)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	count := 5
	if n, ok := intArg(args["count"]); ok && n > 0 {
		count = n
	}

	u := "https://api.duckduckgo.com/?" + url.Values{
		"q":              {queryStr},
		"format":         {"json"},
		"no_html":        {"1"},
		"no_redirect":    {"1"},
		"skip_disambig":  {"1"},
	}.Encode()

	body, err := t.client.Get(ctx, u)
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("web search failed: %v", err))
	}
	var payload ddgResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return toolspec.Fail(fmt.Sprintf("web search: decode response: %v", err))
	}

	var results []map[string]string
	var extract func(topics []ddgTopic)
	extract = func(topics []ddgTopic) {
		for _, item := range topics {
			if len(results) >= count {
				return
			}
			if item.FirstURL != "" && item.Text != "" {
				results = append(results, map[string]string{"title": item.Text, "url": item.FirstURL})
			}
			if len(results) >= count {
				return
			}
			extract(item.Topics)
		}
	}
	extract(payload.RelatedTopics)

	if payload.AbstractURL != "" && payload.AbstractText != "" {
		heading := payload.Heading
		if heading == "" {
			heading = payload.AbstractText
		}
		results = append([]map[string]string{{
			"title":   heading,
			"url":     payload.AbstractURL,
			"snippet": payload.AbstractText,
		}}, results...)
	}
	if len(results) > count {
		results = results[:count]
	}

	summary := fmt.Sprintf("Found %d results for %q", len(results), queryStr)
	return toolspec.Ok(summary, map[string]any{"results": results})
}

func normalizeQuery(args map[string]any) (string, error) {
	payload := args["query"]
	if payload == nil {
		payload = args["queries"]
	}
	switch v := payload.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("'query' is required")
		}
		return v, nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("'query' is required")
		}
		return strings.Join(parts, " "), nil
	default:
		return "", fmt.Errorf("'query' is required")
	}
}

// ImageSearchTool implements mshtools-image_search against DuckDuckGo's
// unauthenticated image search pipeline, grounded on tools/search.py.
type ImageSearchTool struct{ client *external.Client }

// NewImageSearchTool constructs an ImageSearchTool using client for
// outbound requests.
func NewImageSearchTool(client *external.Client) toolregistry.Tool {
	return &ImageSearchTool{client: client}
}

var vqdPattern = regexp.MustCompile(`vqd=([\d-]+)&`)

type ddgImageResult struct {
	Title  string `json:"title"`
	Alt    string `json:"alt"`
	Image  string `json:"image"`
	URL    string `json:"url"`
	Source string `json:"source"`
}

type ddgImageResponse struct {
	Results []ddgImageResult `json:"results"`
}

// Call implements toolregistry.Tool.
func (t *ImageSearchTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	queryStr, err := normalizeQuery(args)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	count := 5
	if n, ok := intArg(args["count"]); ok && n > 0 {
		count = n
	}

	init, err := t.client.Get(ctx, "https://duckduckgo.com/?"+url.Values{"q": {queryStr}}.Encode())
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("image search init failed: %v", err))
	}
	match := vqdPattern.FindSubmatch(init)
	if match == nil {
		return toolspec.Fail("failed to initialise DuckDuckGo image search")
	}
	vqd := string(match[1])

	apiURL := "https://duckduckgo.com/i.js?" + url.Values{
		"l":   {"us-en"},
		"o":   {"json"},
		"q":   {queryStr},
		"vqd": {vqd},
		"p":   {"1"},
	}.Encode()
	body, err := t.client.Get(ctx, apiURL)
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("image search failed: %v", err))
	}
	var payload ddgImageResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return toolspec.Fail(fmt.Sprintf("image search: decode response: %v", err))
	}

	images := make([]map[string]string, 0, count)
	for _, item := range payload.Results {
		if item.Image == "" {
			continue
		}
		title := item.Title
		if title == "" {
			title = item.Alt
		}
		if title == "" {
			title = "Image"
		}
		source := item.URL
		if source == "" {
			source = item.Source
		}
		images = append(images, map[string]string{"title": title, "image_url": item.Image, "source": source})
		if len(images) >= count {
			break
		}
	}

	summary := fmt.Sprintf("Found %d images for %q", len(images), queryStr)
	return toolspec.Ok(summary, map[string]any{"images": images})
}
