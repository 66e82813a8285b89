// Package http provides the shared HTTP client used by the download engine:
// a tuned transport, the metadata probe, and filename extraction helpers.
package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/adrij/fdm/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent    = "fdm/1.0"
	DefaultMaxRedirects = 10

	defaultDownloadName = "download"
)

// Options configures a Client. Zero values fall back to package defaults.
type Options struct {
	ConnectTimeout time.Duration
	UserAgent      string
	MaxRedirects   int
}

// Client wraps http.Client with the transport settings the engine relies
// on: bounded connect phase, certificate verification always on, and a cap
// on redirect chains.
type Client struct {
	*http.Client

	connectTimeout time.Duration
	userAgent      string
}

// NewClient creates a Client. The data-transfer phase carries no deadline;
// only dialing, TLS handshake and redirects are bounded.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		// Certificate verification stays on; MinVersion rules out downgraded
		// handshakes.
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	maxRedirects := opts.MaxRedirects

	return &Client{
		Client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		connectTimeout: opts.ConnectTimeout,
		userAgent:      opts.UserAgent,
	}
}

// Info is the result of a metadata probe.
type Info struct {
	Size           int64
	Filename       string
	SupportsRanges bool
	ContentType    string
}

// Probe issues a HEAD request (falling back to GET when HEAD is rejected)
// to learn the resource's size, filename hint, content type and range
// support before any data transfer begins.
func (c *Client) Probe(ctx context.Context, urlStr string) (Info, error) {
	log := logger.Get("http")

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodHead, urlStr)
	if err != nil || resp.StatusCode >= http.StatusBadRequest {
		if resp != nil {
			resp.Body.Close()
		}
		log.Debug().Str("url", urlStr).Msg("HEAD rejected, falling back to GET")

		resp, err = c.do(ctx, http.MethodGet, urlStr)
		if err != nil {
			return Info{}, ClassifyError(err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Info{}, ClassifyHTTPError(resp.StatusCode)
	}

	info := Info{
		Filename:       Filename(resp),
		SupportsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:    resp.Header.Get("Content-Type"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = size
		}
	}

	log.Debug().
		Str("url", urlStr).
		Int64("size", info.Size).
		Bool("ranges", info.SupportsRanges).
		Msg("probe complete")

	return info, nil
}

// Range issues a GET for the inclusive byte range [start, end]. The caller
// owns the response body. Only the connection phase is bounded; the body
// read is limited by ctx alone.
func (c *Client) Range(ctx context.Context, urlStr string, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, http.NoBody)
	if err != nil {
		return nil, ErrRequestCreation
	}
	req.Header.Set("User-Agent", c.userAgent)
	if end < 0 {
		// Open-ended range for downloads whose total size is unknown.
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, method, urlStr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		return nil, ErrRequestCreation
	}
	req.Header.Set("User-Agent", c.userAgent)

	return c.Do(req)
}

// Filename extracts a filename from the Content-Disposition header, a
// filename query parameter, or the final URL path, in that order.
func Filename(resp *http.Response) string {
	if name, ok := filenameFromContentDisposition(resp.Header.Get("Content-Disposition")); ok {
		return name
	}

	return filenameFromURL(resp.Request.URL)
}

// FilenameFromURL derives a filename from the URL alone, for use when no
// response headers are available.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultDownloadName
	}
	return filenameFromURL(u)
}

func filenameFromURL(u *url.URL) string {
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	base := path.Base(u.Path)
	if base != "" && base != "/" && base != "." {
		if unescaped, err := url.PathUnescape(base); err == nil {
			return unescaped
		}
		return base
	}

	return defaultDownloadName
}

func filenameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name, ok := params["filename"]; ok {
			return name, true
		}
		if name, ok := params["filename*"]; ok {
			return name, true
		}
	}

	return "", false
}
