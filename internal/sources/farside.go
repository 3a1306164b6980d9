package sources

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
	"golang.org/x/net/html"
)

const farsideURL = "https://farside.co.uk/bitcoin-etf-flow-all-data/"

const etfDateLayout = "2 Jan 2006"

// Renderer turns a page URL into HTML.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// HTTPRenderer fetches the raw page.
type HTTPRenderer struct {
	client *Client
}

func NewHTTPRenderer(c *Client) *HTTPRenderer { return &HTTPRenderer{client: c} }

func (r *HTTPRenderer) Render(ctx context.Context, url string) (string, error) {
	body, err := r.client.Get(ctx, url)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ChromeRenderer loads the page in headless Chrome, for when the table is
// only present after scripts run or the plain fetch is blocked.
type ChromeRenderer struct {
	logger  *slog.Logger
	timeout time.Duration
}

func NewChromeRenderer(logger *slog.Logger, timeout time.Duration) *ChromeRenderer {
	return &ChromeRenderer{logger: logger, timeout: timeout}
}

func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-crash-reporter", true),
		chromedp.Flag("crash-dumps-dir", "/tmp"),
		chromedp.UserDataDir("/tmp/chromedp-riskmon"),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	cctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	cctx, cancel = context.WithTimeout(cctx, r.timeout)
	defer cancel()

	var doc string
	if err := chromedp.Run(cctx,
		chromedp.Navigate(url),
		chromedp.WaitVisible(`table tbody tr`, chromedp.ByQuery),
		chromedp.OuterHTML(`html`, &doc, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("chromedp render: %w", err)
	}
	r.logger.Info("rendered etf flow page", "bytes", len(doc))
	return doc, nil
}

// Farside reads the daily aggregate spot ETF net flow table.
type Farside struct {
	renderer Renderer
	url      string
}

func NewFarside(r Renderer) *Farside {
	return &Farside{renderer: r, url: farsideURL}
}

func (f *Farside) Name() string { return "farside" }

// Flows returns one observation per dated row with a usable total, in USD.
func (f *Farside) Flows(ctx context.Context) ([]risk.Observation, error) {
	doc, err := f.renderer.Render(ctx, f.url)
	if err != nil {
		return nil, fmt.Errorf("farside API: %w", err)
	}
	rows := ExtractETFRows(doc)
	if len(rows) == 0 {
		return nil, fmt.Errorf("farside API: no dated rows found")
	}
	return rows, nil
}

// ExtractETFRows parses every table row of doc. When the document holds no
// rows, each text line is tried instead.
func ExtractETFRows(doc string) []risk.Observation {
	var lines []string
	if root, err := html.Parse(strings.NewReader(doc)); err == nil {
		lines = tableRows(root)
	}
	if len(lines) == 0 {
		lines = strings.Split(doc, "\n")
	}

	byDay := make(map[time.Time]risk.Observation)
	for _, line := range lines {
		if o, ok := ParseETFRow(line); ok {
			byDay[o.Time] = o
		}
	}
	out := make([]risk.Observation, 0, len(byDay))
	for _, o := range byDay {
		out = append(out, o)
	}
	sortObservations(out)
	return out
}

func tableRows(n *html.Node) []string {
	var rows []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.TrimSpace(textOf(c)))
				}
			}
			rows = append(rows, strings.Join(cells, " "))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return rows
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
		b.WriteByte(' ')
	}
	return b.String()
}

// ParseETFRow reads a "D Mon YYYY v1 v2 ... total" row. The last token is
// the day's total in millions of USD; "(x)" is negative, commas are
// ignored, and a dash or a non-numeric last token means no value.
func ParseETFRow(line string) (risk.Observation, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return risk.Observation{}, false
	}
	day, err := time.ParseInLocation(etfDateLayout, strings.Join(fields[:3], " "), time.UTC)
	if err != nil {
		return risk.Observation{}, false
	}
	millions, ok := parseFlowToken(fields[len(fields)-1])
	if !ok {
		return risk.Observation{}, false
	}
	return risk.Observation{Time: day, Value: math.Round(millions * 1e6)}, true
}

func parseFlowToken(tok string) (float64, bool) {
	tok = strings.ReplaceAll(strings.TrimSpace(tok), ",", "")
	switch tok {
	case "", "-", "–", "—":
		return 0, false
	}
	neg := false
	if strings.HasPrefix(tok, "(") && strings.HasSuffix(tok, ")") {
		neg = true
		tok = tok[1 : len(tok)-1]
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}
