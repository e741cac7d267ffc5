package mural

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultConnectTimeout bounds dialing and the TLS handshake.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout bounds waiting for response headers and reading the body.
	DefaultReadTimeout = 5 * time.Second

	// DefaultMaxImageBytes caps both the declared and the actual body size.
	DefaultMaxImageBytes = 5 << 20

	// DefaultMaxImagePixels caps width*height before a body is decoded.
	DefaultMaxImagePixels = 40_000_000

	// DefaultUserAgent identifies the fetcher to image hosts.
	DefaultUserAgent = "muralwall/1.0"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// FetchOption configures a Fetcher.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	maxBytes       int64
	maxPixels      int64
	userAgent      string
	resolver       Resolver
	blocked        func(net.IP) bool
	tlsConfig      *tls.Config
	logger         *zap.Logger
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		maxBytes:       DefaultMaxImageBytes,
		maxPixels:      DefaultMaxImagePixels,
		userAgent:      DefaultUserAgent,
		resolver:       net.DefaultResolver,
		blocked:        IsBlockedAddress,
	}
}

// WithConnectTimeout sets the dial and handshake timeout.
func WithConnectTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.connectTimeout = d
	}
}

// WithReadTimeout sets the response timeout.
func WithReadTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.readTimeout = d
	}
}

// WithMaxBytes sets the largest image accepted.
func WithMaxBytes(n int64) FetchOption {
	return func(c *fetchConfig) {
		c.maxBytes = n
	}
}

// WithMaxPixels sets the largest decoded image area accepted.
func WithMaxPixels(n int64) FetchOption {
	return func(c *fetchConfig) {
		c.maxPixels = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetchOption {
	return func(c *fetchConfig) {
		c.userAgent = ua
	}
}

// WithResolver overrides DNS resolution.
func WithResolver(r Resolver) FetchOption {
	return func(c *fetchConfig) {
		c.resolver = r
	}
}

// WithAddressPolicy replaces the blocked-address check (useful for testing
// against loopback servers).
func WithAddressPolicy(blocked func(net.IP) bool) FetchOption {
	return func(c *fetchConfig) {
		c.blocked = blocked
	}
}

// WithTLSConfig sets the client TLS configuration.
func WithTLSConfig(cfg *tls.Config) FetchOption {
	return func(c *fetchConfig) {
		c.tlsConfig = cfg
	}
}

// WithFetchLogger sets the logger.
func WithFetchLogger(l *zap.Logger) FetchOption {
	return func(c *fetchConfig) {
		c.logger = l
	}
}

// Fetcher downloads remote images with guards against server-side request
// forgery and oversized payloads.
type Fetcher struct {
	cfg    fetchConfig
	client *http.Client
	log    *zap.Logger
}

// NewFetcher creates a fetcher.
func NewFetcher(opts ...FetchOption) *Fetcher {
	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: cfg.connectTimeout}
	// Compression stays off so the length and byte caps see wire bytes.
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       cfg.tlsConfig,
		TLSHandshakeTimeout:   cfg.connectTimeout,
		ResponseHeaderTimeout: cfg.readTimeout,
		DisableKeepAlives:     true,
		DisableCompression:    true,
	}

	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.connectTimeout + cfg.readTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// Fetch downloads and decodes the image at rawURL. Every failure is a
// *FetchError naming the step that rejected the request.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Stage: StageURL, Err: err}
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, fetchErr(rawURL, StageURL, "scheme %q not allowed, https required", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fetchErr(rawURL, StageURL, "missing host")
	}

	if err := f.checkHost(ctx, rawURL, host); err != nil {
		return nil, err
	}

	var remote net.Addr
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			remote = info.Conn.RemoteAddr()
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Stage: StageURL, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Stage: StageConnect, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fetchErr(rawURL, StageStatus, "status %d", resp.StatusCode)
	}
	if resp.ContentLength <= 0 || resp.ContentLength > f.cfg.maxBytes {
		return nil, fetchErr(rawURL, StageLength, "declared length %d outside (0, %d]", resp.ContentLength, f.cfg.maxBytes)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "image/") {
		return nil, fetchErr(rawURL, StageContentType, "content type %q is not an image", ct)
	}

	// DNS may have changed between the first lookup and the dial.
	if err := f.checkConnected(rawURL, remote); err != nil {
		return nil, err
	}
	if err := f.checkHost(ctx, rawURL, resp.Request.URL.Hostname()); err != nil {
		return nil, err
	}

	body, err := readCapped(resp.Body, f.cfg.maxBytes)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Stage: StageBody, Err: err}
	}

	dims, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Stage: StageDecode, Err: err}
	}
	if int64(dims.Width)*int64(dims.Height) > f.cfg.maxPixels {
		return nil, fetchErr(rawURL, StageDecode, "image %dx%d exceeds %d pixels", dims.Width, dims.Height, f.cfg.maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Stage: StageDecode, Err: err}
	}

	f.log.Debug("fetched image",
		zap.String("url", rawURL),
		zap.String("format", format),
		zap.Int("bytes", len(body)),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))
	return img, nil
}

// checkHost resolves host and rejects it if any address is blocked.
func (f *Fetcher) checkHost(ctx context.Context, rawURL, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if f.cfg.blocked(ip) {
			return fetchErr(rawURL, StageAddress, "address %s not allowed", ip)
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, f.cfg.connectTimeout)
	defer cancel()
	addrs, err := f.cfg.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return &FetchError{URL: rawURL, Stage: StageResolve, Err: err}
	}
	if len(addrs) == 0 {
		return fetchErr(rawURL, StageResolve, "no addresses for %s", host)
	}
	for _, a := range addrs {
		if f.cfg.blocked(a.IP) {
			return fetchErr(rawURL, StageAddress, "%s resolves to %s, not allowed", host, a.IP)
		}
	}
	return nil
}

func (f *Fetcher) checkConnected(rawURL string, remote net.Addr) error {
	if remote == nil {
		return fetchErr(rawURL, StageAddress, "connected address unknown")
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return &FetchError{URL: rawURL, Stage: StageAddress, Err: err}
	}
	ip := net.ParseIP(host)
	if ip == nil || f.cfg.blocked(ip) {
		return fetchErr(rawURL, StageAddress, "connected to %s, not allowed", host)
	}
	return nil
}

// readCapped reads r fully, failing once more than max bytes arrive.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("body exceeds %d bytes", max)
	}
	return data, nil
}

var siteLocalV6 = &net.IPNet{IP: net.ParseIP("fec0::"), Mask: net.CIDRMask(10, 128)}

// IsBlockedAddress reports whether ip is loopback, link-local, private,
// unspecified, multicast or IPv6 site-local.
func IsBlockedAddress(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		siteLocalV6.Contains(ip)
}
