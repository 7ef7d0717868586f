package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	clipLimit    = 500
	maxReadBytes = 64 << 10
	tsLayout     = "2006-01-02T15:04:05.000Z07:00"
)

// Result is the outcome of one probe. Transport failures and timeouts are
// results with OK false, never errors.
type Result struct {
	Phase    string `json:"phase"`
	Username string `json:"username,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`

	OK          bool   `json:"ok"`
	TS          string `json:"ts,omitempty"`
	Path        string `json:"path,omitempty"`
	Method      string `json:"method,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SetCookie   string `json:"set_cookie,omitempty"`
	BodySnippet string `json:"body_snippet,omitempty"`
	Error       string `json:"error,omitempty"`
	MS          int64  `json:"ms"`
}

// outcome is the status, else the error, as written to the narrative log.
func (r Result) outcome() string {
	switch {
	case r.Status != 0:
		return fmt.Sprint(r.Status)
	case r.Error != "":
		return r.Error
	default:
		return "ERR"
	}
}

// Request describes one probe.
type Request struct {
	Method string
	Path   string
	// Body, when set, is sent as JSON.
	Body   any
	Cookie string
}

// Client issues probes against one target.
type Client struct {
	base        *url.URL
	userAgent   string
	hardTimeout time.Duration
	http        *http.Client
	now         func() time.Time
}

// NewClient creates a client for cfg.Target.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	return &Client{
		base:        base,
		userAgent:   cfg.UserAgent,
		hardTimeout: cfg.HardTimeout,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			// Redirects are evidence, not something to follow.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}, nil
}

// Probe runs req raced against the hard timeout.
func (c *Client) Probe(ctx context.Context, req Request) Result {
	res := withHardTimeout(ctx, c.hardTimeout, func(ctx context.Context) Result {
		return c.do(ctx, req)
	})
	if res.TS == "" {
		res.TS = c.timestamp()
	}
	if res.Path == "" {
		res.Path = req.Path
		res.Method = req.Method
	}
	return res
}

func (c *Client) do(ctx context.Context, req Request) Result {
	start := c.now()
	res := Result{TS: c.timestamp(), Path: req.Path, Method: req.Method}
	fail := func(err error) Result {
		res.Error = err.Error()
		res.MS = c.now().Sub(start).Milliseconds()
		return res
	}

	u, err := c.base.Parse(req.Path)
	if err != nil {
		return fail(err)
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fail(err)
		}
		body = bytes.NewReader(b)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return fail(err)
	}
	hreq.Header.Set("User-Agent", c.userAgent)
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if req.Cookie != "" {
		hreq.Header.Set("Cookie", req.Cookie)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return fail(err)
	}

	res.OK = true
	res.Status = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	res.SetCookie = clip(strings.Join(resp.Header.Values("Set-Cookie"), ","), clipLimit)
	res.BodySnippet = clip(string(data), clipLimit)
	res.MS = c.now().Sub(start).Milliseconds()
	return res
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format(tsLayout)
}

// clip shortens s to max runes, marking the cut with "...".
func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// ExtractCookie returns the name=value pair of the first cookie in a
// Set-Cookie capture.
func ExtractCookie(setCookie string) string {
	if setCookie == "" {
		return ""
	}
	first, _, _ := strings.Cut(setCookie, ",")
	pair, _, _ := strings.Cut(first, ";")
	return strings.TrimSpace(pair)
}
