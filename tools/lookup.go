package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Processor names the extraction applied to a fetched knowledge source.
type Processor string

const (
	// ProcessorText returns the body as-is, truncated to the length cap.
	ProcessorText Processor = "text"
	// ProcessorHTMLHead extracts the page title and meta description
	// from an HTML document.
	ProcessorHTMLHead Processor = "html_head_title_meta"
)

// KnowledgeSource is one named document the persona can consult.
// Either URL or Content is set; inline Content is returned as-is
// without a fetch.
type KnowledgeSource struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	URL         string    `yaml:"url"`
	Content     string    `yaml:"content"`
	Processor   Processor `yaml:"processor"`
}

const (
	lookupToolName    = "lookup"
	defaultMaxContent = 8 * 1024
	maxFetchBytes     = 1 << 20
)

// Lookup fetches persona knowledge sources over HTTP on demand. The
// model selects a source by name; the set of valid names is baked into
// the tool schema as an enum.
type Lookup struct {
	sources    map[string]KnowledgeSource
	client     *http.Client
	maxContent int
	logger     *zap.Logger
}

// NewLookup builds the lookup tool. maxContent caps the returned text;
// zero falls back to the default.
func NewLookup(sources []KnowledgeSource, client *http.Client, maxContent int, logger *zap.Logger) *Lookup {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if maxContent <= 0 {
		maxContent = defaultMaxContent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]KnowledgeSource, len(sources))
	for _, s := range sources {
		byName[s.Name] = s
	}
	return &Lookup{
		sources:    byName,
		client:     client,
		maxContent: maxContent,
		logger:     logger,
	}
}

func (l *Lookup) Name() string { return lookupToolName }

func (l *Lookup) Description() string {
	return "Look up background information about the persona from a named source. " +
		"Use when the user asks about details not covered in the system prompt."
}

func (l *Lookup) Parameters() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{
				"type":        "string",
				"description": l.sourceCatalog(),
				"enum":        l.sourceNames(),
			},
		},
		"required": []string{"source"},
	}
	data, _ := json.Marshal(schema)
	return data
}

type lookupArgs struct {
	Source string `json:"source"`
}

func (l *Lookup) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed lookupArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", &Error{Tool: lookupToolName, Err: fmt.Errorf("invalid arguments %q: specify a source from %v", string(args), l.sourceNames())}
	}
	src, ok := l.sources[parsed.Source]
	if !ok {
		return "", &Error{Tool: lookupToolName, Err: fmt.Errorf("unknown source %q; valid sources are %v", parsed.Source, l.sourceNames())}
	}

	var content string
	if src.URL == "" {
		content = src.Content
	} else {
		body, err := l.fetch(ctx, src.URL)
		if err != nil {
			return "", &Error{Tool: lookupToolName, Err: fmt.Errorf("fetch %s: %w", src.Name, err)}
		}
		switch src.Processor {
		case ProcessorHTMLHead:
			content, err = extractHTMLHead(body)
			if err != nil {
				return "", &Error{Tool: lookupToolName, Err: fmt.Errorf("parse %s: %w", src.Name, err)}
			}
		default:
			content = string(body)
		}
	}

	content = strings.TrimSpace(content)
	if len(content) > l.maxContent {
		content = content[:l.maxContent]
	}
	l.logger.Debug("knowledge source fetched",
		zap.String("source", src.Name),
		zap.Int("bytes", len(content)))
	return content, nil
}

func (l *Lookup) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

func (l *Lookup) sourceNames() []string {
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Lookup) sourceCatalog() string {
	var b strings.Builder
	b.WriteString("The source to consult.")
	for _, name := range l.sourceNames() {
		if desc := l.sources[name].Description; desc != "" {
			fmt.Fprintf(&b, " %s: %s.", name, desc)
		}
	}
	return b.String()
}

// extractHTMLHead pulls the document title and meta description out of
// an HTML page.
func extractHTMLHead(body []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}

	var title, description string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = n.FirstChild.Data
				}
			case "meta":
				var name, content string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "name", "property":
						name = attr.Val
					case "content":
						content = attr.Val
					}
				}
				if description == "" && (name == "description" || name == "og:description") {
					description = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var parts []string
	if title != "" {
		parts = append(parts, "Title: "+strings.TrimSpace(title))
	}
	if description != "" {
		parts = append(parts, "Description: "+strings.TrimSpace(description))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no title or meta description found")
	}
	return strings.Join(parts, "\n"), nil
}
