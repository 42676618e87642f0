// Package probe resolves a URL's download metadata — length, range
// support, filename, and mime type — before any segment plan is built.
package probe

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"tachyon-engine/internal/engineerr"
)

const maxRedirects = 10

// Result is everything the engine needs to plan segments for a URL.
type Result struct {
	TotalSize     int64
	SupportsRange bool
	Filename      string
	Mime          string
	FinalURL      string
}

// Prober issues HEAD (falling back to GET) requests to resolve Result.
type Prober struct {
	Client    *http.Client
	UserAgent string
}

// New builds a Prober around client, defaulting to a browser-like UA when
// userAgent is empty.
func New(client *http.Client, userAgent string) *Prober {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	return &Prober{Client: client, UserAgent: userAgent}
}

// Probe follows redirects itself (rather than relying on the client's
// CheckRedirect) so it can apply the 10-hop cap and fail open rather than
// erroring when an intermediate request times out.
func (p *Prober) Probe(ctx context.Context, rawURL, referrer string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	current := rawURL
	client := &http.Client{
		Transport: p.Client.Transport,
		Timeout:   p.Client.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, current, nil)
		if err != nil {
			return failOpen(), nil
		}
		p.applyHeaders(req, referrer)

		resp, err := client.Do(req)
		if err != nil {
			return failOpen(), nil
		}

		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return failOpen(), nil
			}
			next, err := resolveLocation(current, loc)
			if err != nil {
				return failOpen(), nil
			}
			current = next
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return p.probeViaGet(ctx, client, current, referrer)
		}

		result := extract(resp, current)
		resp.Body.Close()
		return result, nil
	}

	return failOpen(), nil
}

// probeViaGet falls back to a ranged GET when the server rejects HEAD
// (some CDNs return 405/403 for HEAD but serve GET normally).
func (p *Prober) probeViaGet(ctx context.Context, client *http.Client, current, referrer string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
	if err != nil {
		return failOpen(), nil
	}
	p.applyHeaders(req, referrer)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return failOpen(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPartialContent {
		return failOpen(), nil
	}

	result := extract(resp, current)
	if resp.StatusCode == http.StatusPartialContent {
		result.SupportsRange = true
		if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			result.TotalSize = total
		}
	}
	return result, nil
}

func totalFromContentRange(cr string) (int64, bool) {
	if cr == "" {
		return 0, false
	}
	parts := strings.Split(cr, "/")
	if len(parts) != 2 {
		return 0, false
	}
	total, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func (p *Prober) applyHeaders(req *http.Request, referrer string) {
	req.Header.Set("User-Agent", p.UserAgent)
	req.Header.Set("Accept", "*/*")
	if referrer != "" {
		req.Header.Set("Referer", referrer)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func failOpen() *Result {
	return &Result{TotalSize: 0, SupportsRange: false}
}

func extract(resp *http.Response, finalURL string) *Result {
	acceptRanges := resp.Header.Get("Accept-Ranges")
	supportsRange := acceptRanges == "bytes" ||
		(resp.ContentLength > 0 && acceptRanges != "none" && acceptRanges == "")

	return &Result{
		TotalSize:     maxInt64(resp.ContentLength, 0),
		SupportsRange: supportsRange,
		Filename:      filenameFrom(resp, finalURL),
		Mime:          mimeFrom(resp),
		FinalURL:      finalURL,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func mimeFrom(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// filenameFrom resolves Content-Disposition (RFC 5987 filename* taking
// precedence over filename=) and falls back to the URL's final path
// segment.
func filenameFrom(resp *http.Response, finalURL string) string {
	cd := resp.Header.Get("Content-Disposition")
	if cd != "" {
		if name := parseContentDisposition(cd); name != "" {
			return name
		}
	}
	if u, err := url.Parse(finalURL); err == nil {
		base := path.Base(u.Path)
		if base != "." && base != "/" && base != "" {
			return base
		}
	}
	return ""
}

func parseContentDisposition(cd string) string {
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	if star, ok := params["filename*"]; ok {
		if name := decodeRFC5987(star); name != "" {
			return name
		}
	}
	if name, ok := params["filename"]; ok {
		return name
	}
	return ""
}

// decodeRFC5987 decodes the `charset'lang'value` extended-notation form,
// e.g. UTF-8''report%202024.pdf.
func decodeRFC5987(value string) string {
	parts := strings.SplitN(value, "'", 3)
	if len(parts) != 3 {
		return value
	}
	decoded, err := url.QueryUnescape(strings.ReplaceAll(parts[2], "+", "%2B"))
	if err != nil {
		return parts[2]
	}
	return decoded
}

// HTTPStatusError classifies a terminal HTTP status via
// engineerr.FromHTTPStatus. Probe itself never returns it: every probe
// failure fails open.
func HTTPStatusError(op string, status int) error {
	return engineerr.FromHTTPStatus(op, status)
}
