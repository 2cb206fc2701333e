package toolkit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// clickableElement mirrors the original ElementInfo dataclass
// (tools/browser.py).
type clickableElement struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Href       string            `json:"href,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// inputElement mirrors the original InputInfo dataclass.
type inputElement struct {
	Index       int    `json:"index"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Placeholder string `json:"placeholder,omitempty"`
	Value       string `json:"value"`
}

type findMatch struct {
	Text string `json:"text"`
	Tag  string `json:"tag"`
}

// browserSession is the serializable snapshot returned to the model,
// mirroring tools/browser.py's BrowserSession.serialize.
type browserSession struct {
	CurrentURL      string              `json:"current_url"`
	Title           string              `json:"title"`
	ScrollPosition  int                 `json:"scroll_position"`
	HTML            string              `json:"html"`
	Clickables      []clickableElement  `json:"clickable_elements"`
	Inputs          []inputElement      `json:"inputs"`
	LastFindResults []findMatch         `json:"last_find_results"`
}

func (s browserSession) data() map[string]any {
	return map[string]any{
		"current_url":        s.CurrentURL,
		"title":               s.Title,
		"scroll_position":     s.ScrollPosition,
		"html":                s.HTML,
		"clickable_elements":  s.Clickables,
		"inputs":              s.Inputs,
		"last_find_results":   s.LastFindResults,
	}
}

// BrowserManager owns one headless-Chromium instance per workspace, scoped
// so that tool calls from one session never see another session's page
// (spec.md §9, "Browser tool isolation"), grounded on go-rod
// (github.com/go-rod/rod) as used elsewhere in the example pack.
type BrowserManager struct {
	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	session browserSession
}

// NewBrowserManager constructs an idle manager; the underlying browser
// process starts lazily on first navigation.
func NewBrowserManager() *BrowserManager { return &BrowserManager{} }

func (m *BrowserManager) ensurePage() (*rod.Page, error) {
	if m.page != nil {
		return m.page, nil
	}
	url, err := launcher.New().Headless(true).Set("no-sandbox").Launch()
	if err != nil {
		return nil, fmt.Errorf("launch headless chromium: %w", err)
	}
	m.browser = rod.New().ControlURL(url)
	if err := m.browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	m.page, err = m.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return m.page, nil
}

// Reset closes the underlying browser and clears session state, the
// equivalent of tools/browser.py's BrowserSessionManager.reset.
func (m *BrowserManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		_ = m.browser.Close()
	}
	m.browser = nil
	m.page = nil
	m.session = browserSession{}
}

func (m *BrowserManager) parsePage() (browserSession, error) {
	page, err := m.ensurePage()
	if err != nil {
		return browserSession{}, err
	}
	info, err := page.Info()
	if err != nil {
		return browserSession{}, err
	}
	html, err := page.HTML()
	if err != nil {
		return browserSession{}, err
	}

	clickables := collectElements(page, "a[href], button, input[type=submit], input[type=button]")
	inputs := collectInputs(page, "input[type=text], input:not([type]), textarea")

	scrollPos := 0
	if v, err := page.Eval(`() => window.pageYOffset`); err == nil {
		scrollPos = int(v.Value.Num())
	}

	session := browserSession{
		CurrentURL:     info.URL,
		Title:          info.Title,
		HTML:           html,
		ScrollPosition: scrollPos,
		Clickables:     clickables,
		Inputs:         inputs,
	}
	m.session = session
	return session, nil
}

func collectElements(page *rod.Page, selector string) []clickableElement {
	elements, err := page.Elements(selector)
	if err != nil {
		return nil
	}
	out := make([]clickableElement, 0, len(elements))
	for i, el := range elements {
		tag, _ := el.Eval(`() => this.tagName.toLowerCase()`)
		text, _ := el.Text()
		href, _ := el.Attribute("href")
		attrs := map[string]string{}
		if ariaLabel, err := el.Attribute("aria-label"); err == nil && ariaLabel != nil && text == "" {
			text = *ariaLabel
		}
		ce := clickableElement{Index: i, Text: strings.TrimSpace(text)}
		if tag != nil {
			ce.Tag = tag.Value.Str()
		}
		if href != nil {
			ce.Href = *href
		}
		if len(attrs) > 0 {
			ce.Attributes = attrs
		}
		out = append(out, ce)
	}
	return out
}

func collectInputs(page *rod.Page, selector string) []inputElement {
	elements, err := page.Elements(selector)
	if err != nil {
		return nil
	}
	out := make([]inputElement, 0, len(elements))
	for i, el := range elements {
		tagVal, _ := el.Eval(`() => this.tagName.toLowerCase()`)
		typeAttr, _ := el.Attribute("type")
		nameAttr, _ := el.Attribute("name")
		placeholderAttr, _ := el.Attribute("placeholder")
		value, _ := el.Property("value")

		tag := ""
		if tagVal != nil {
			tag = tagVal.Value.Str()
		}
		inputType := "text"
		if typeAttr != nil {
			inputType = *typeAttr
		} else if tag == "textarea" {
			inputType = "textarea"
		}

		ie := inputElement{Index: i, Type: inputType}
		if nameAttr != nil {
			ie.Name = *nameAttr
		}
		if placeholderAttr != nil {
			ie.Placeholder = *placeholderAttr
		}
		if !value.Nil() {
			ie.Value = value.Str()
		}
		out = append(out, ie)
	}
	return out
}

// BrowserVisitTool implements mshtools-browser_visit.
type BrowserVisitTool struct{ mgr *BrowserManager }

// NewBrowserVisitTool constructs a BrowserVisitTool sharing mgr.
func NewBrowserVisitTool(mgr *BrowserManager) toolregistry.Tool { return &BrowserVisitTool{mgr: mgr} }

// Call implements toolregistry.Tool.
func (t *BrowserVisitTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	url, _ := args["url"].(string)
	if url == "" {
		return toolspec.Fail("'url' is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return toolspec.Fail("only http:// and https:// URLs are supported")
	}

	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	page, err := t.mgr.ensurePage()
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("error navigating to %s: %v", url, err))
	}
	if err := page.Navigate(url); err != nil {
		return toolspec.Fail(fmt.Sprintf("error navigating to %s: %v", url, err))
	}
	_ = page.WaitLoad()

	session, err := t.mgr.parsePage()
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("error navigating to %s: %v", url, err))
	}

	summary := fmt.Sprintf("Loaded %s", url)
	if session.Title != "" {
		summary = fmt.Sprintf("Loaded %s (%s)", session.Title, url)
	}
	return toolspec.Ok(summary, session.data())
}

// BrowserStateTool implements mshtools-browser_state.
type BrowserStateTool struct{ mgr *BrowserManager }

// NewBrowserStateTool constructs a BrowserStateTool sharing mgr.
func NewBrowserStateTool(mgr *BrowserManager) toolregistry.Tool { return &BrowserStateTool{mgr: mgr} }

// Call implements toolregistry.Tool.
func (t *BrowserStateTool) Call(_ context.Context, _ map[string]any) toolspec.Result {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.mgr.page == nil {
		return toolspec.Fail("no active browser session; call browser_visit first")
	}
	session, err := t.mgr.parsePage()
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok("current browser state", session.data())
}

// BrowserFindTool implements mshtools-browser_find: a case-insensitive text
// search over the current page's visible text nodes.
type BrowserFindTool struct{ mgr *BrowserManager }

// NewBrowserFindTool constructs a BrowserFindTool sharing mgr.
func NewBrowserFindTool(mgr *BrowserManager) toolregistry.Tool { return &BrowserFindTool{mgr: mgr} }

// Call implements toolregistry.Tool.
func (t *BrowserFindTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	term, _ := args["text"].(string)
	if term == "" {
		term, _ = args["query"].(string)
	}
	if term == "" {
		return toolspec.Fail("'text' is required")
	}

	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.mgr.page == nil {
		return toolspec.Fail("no active browser session; call browser_visit first")
	}
	matches := findInHTML(t.mgr.session.HTML, term)
	t.mgr.session.LastFindResults = matches
	return toolspec.Ok(fmt.Sprintf("found %d matches for %q", len(matches), term), matches)
}

// BrowserInputTool implements mshtools-browser_input: fills a form field
// identified by its index in the most recent page parse.
type BrowserInputTool struct{ mgr *BrowserManager }

// NewBrowserInputTool constructs a BrowserInputTool sharing mgr.
func NewBrowserInputTool(mgr *BrowserManager) toolregistry.Tool { return &BrowserInputTool{mgr: mgr} }

// Call implements toolregistry.Tool.
func (t *BrowserInputTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	index, ok := intArg(args["index"])
	text, hasText := args["text"].(string)
	if !ok || !hasText {
		return toolspec.Fail("'index' and 'text' are required")
	}

	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.mgr.page == nil {
		return toolspec.Fail("no active browser session; call browser_visit first")
	}
	elements, err := t.mgr.page.Elements("input[type=text], input:not([type]), textarea")
	if err != nil || index < 0 || index >= len(elements) {
		return toolspec.Fail(fmt.Sprintf("no input at index %d", index))
	}
	el := elements[index]
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(text); err != nil {
		return toolspec.Fail(fmt.Sprintf("failed to type into input %d: %v", index, err))
	}
	return toolspec.Ok(fmt.Sprintf("typed into input %d", index), nil)
}

// BrowserClickTool implements mshtools-browser_click: clicks a clickable
// element identified by its index in the most recent page parse.
type BrowserClickTool struct{ mgr *BrowserManager }

// NewBrowserClickTool constructs a BrowserClickTool sharing mgr.
func NewBrowserClickTool(mgr *BrowserManager) toolregistry.Tool { return &BrowserClickTool{mgr: mgr} }

// Call implements toolregistry.Tool.
func (t *BrowserClickTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	index, ok := intArg(args["index"])
	if !ok {
		return toolspec.Fail("'index' is required")
	}

	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.mgr.page == nil {
		return toolspec.Fail("no active browser session; call browser_visit first")
	}
	elements, err := t.mgr.page.Elements("a[href], button, input[type=submit], input[type=button]")
	if err != nil || index < 0 || index >= len(elements) {
		return toolspec.Fail(fmt.Sprintf("no clickable element at index %d", index))
	}
	if err := elements[index].Click("left", 1); err != nil {
		return toolspec.Fail(fmt.Sprintf("failed to click element %d: %v", index, err))
	}
	_ = t.mgr.page.WaitLoad()
	session, err := t.mgr.parsePage()
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok(fmt.Sprintf("clicked element %d", index), session.data())
}

// BrowserScrollTool implements mshtools-browser_scroll_up /
// mshtools-browser_scroll_down, parameterised by direction.
type BrowserScrollTool struct {
	mgr   *BrowserManager
	delta int
}

// NewBrowserScrollUpTool constructs the scroll-up tool.
func NewBrowserScrollUpTool(mgr *BrowserManager) toolregistry.Tool {
	return &BrowserScrollTool{mgr: mgr, delta: -600}
}

// NewBrowserScrollDownTool constructs the scroll-down tool.
func NewBrowserScrollDownTool(mgr *BrowserManager) toolregistry.Tool {
	return &BrowserScrollTool{mgr: mgr, delta: 600}
}

// Call implements toolregistry.Tool. An optional "amount" argument
// overrides the default scroll distance; the resulting position is clamped
// at zero by the page itself and re-read from the DOM afterwards.
func (t *BrowserScrollTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	delta := t.delta
	if amount, ok := intArg(args["amount"]); ok && amount > 0 {
		if t.delta < 0 {
			delta = -amount
		} else {
			delta = amount
		}
	}

	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.mgr.page == nil {
		return toolspec.Fail("no active browser session; call browser_visit first")
	}
	script := fmt.Sprintf(`() => window.scrollBy(0, %d)`, delta)
	if _, err := t.mgr.page.Eval(script); err != nil {
		return toolspec.Fail(fmt.Sprintf("scroll failed: %v", err))
	}
	session, err := t.mgr.parsePage()
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	if session.ScrollPosition < 0 {
		session.ScrollPosition = 0
	}
	return toolspec.Ok(fmt.Sprintf("scroll position %d", session.ScrollPosition), session.data())
}

// maxFindMatches caps browser_find results.
const maxFindMatches = 20

func findInHTML(htmlDoc, term string) []findMatch {
	if htmlDoc == "" {
		return nil
	}
	lowerTerm := strings.ToLower(term)
	var matches []findMatch
	for _, line := range strings.Split(htmlDoc, "\n") {
		if len(matches) >= maxFindMatches {
			break
		}
		text := strings.TrimSpace(stripTags(line))
		if text == "" {
			continue
		}
		if strings.Contains(strings.ToLower(text), lowerTerm) {
			snippet := text
			if len(snippet) > 240 {
				snippet = snippet[:237] + "..."
			}
			matches = append(matches, findMatch{Text: snippet})
		}
	}
	return matches
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
