package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTP is healthy iff GET URL answers 200 within Timeout.
type HTTP struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

// noRedirectClient reports a redirect as its own status: it is not a 200 and
// its target may leave loopback.
var noRedirectClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// NewHTTP validates that rawURL targets a loopback host.
func NewHTTP(rawURL string, timeout time.Duration) (*HTTP, error) {
	if err := ValidateLoopbackURL(rawURL); err != nil {
		return nil, err
	}
	return &HTTP{URL: rawURL, Timeout: timeout, client: noRedirectClient}, nil
}

func (h *HTTP) Alive(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx, h.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return false, err
	}
	c := h.client
	if c == nil {
		c = noRedirectClient
	}
	resp, err := c.Do(req)
	if err != nil {
		// refused or timed out: the service is down, not the probe
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK, nil
}

func (h *HTTP) Describe() string { return "http:" + h.URL }

// ValidateLoopbackURL accepts http(s) URLs whose host is localhost or a
// loopback IP.
func ValidateLoopbackURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid health url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("health url %q must be http or https", rawURL)
	}
	if !IsLoopbackHost(u.Hostname()) {
		return fmt.Errorf("health url %q must target a loopback host", rawURL)
	}
	return nil
}

// IsLoopbackHost reports whether host is "localhost" or a loopback address.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
