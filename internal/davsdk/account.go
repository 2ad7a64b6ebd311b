// Package davsdk talks to the WebDAV endpoint of a SwissDisk server.
package davsdk

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/swissdisk/swissdisk/internal/version"
)

const (
	DefaultDavPath = "/remote.php/webdav/"
	DefaultTimeout = 300 * time.Second
)

// AccountConfig describes how to reach and authenticate against one server.
type AccountConfig struct {
	ServerURL          string
	DavPath            string
	Credentials        Credentials
	ClientCertPath     string
	ClientCertPassword string
	CACertsPath        string
	ProxyURL           string
	Timeout            time.Duration
}

// Account is the connection context shared by every job of a sync run.
type Account struct {
	url         *url.URL
	davPath     string
	credentials Credentials
	timeout     time.Duration

	client     *req.Client
	httpClient *http.Client
}

func NewAccount(cfg *AccountConfig) (*Account, error) {
	if cfg == nil || cfg.ServerURL == "" {
		return nil, ErrNoServerURL
	}

	u, err := url.Parse(strings.TrimSuffix(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.ServerURL)
	}

	davPath := cfg.DavPath
	if davPath == "" {
		davPath = DefaultDavPath
	}
	if !strings.HasPrefix(davPath, "/") {
		davPath = "/" + davPath
	}
	if !strings.HasSuffix(davPath, "/") {
		davPath += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.ClientCertPath != "" {
		cert, err := LoadClientCertificate(cfg.ClientCertPath, cfg.ClientCertPassword)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cfg.CACertsPath != "" {
		pool, err := LoadCACertificates(cfg.CACertsPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	client := req.C().
		SetUserAgent(version.UserAgent()).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetTLSClientConfig(tlsConfig).
		SetCookieJar(jar).
		SetRedirectPolicy(req.NoRedirectPolicy()).
		SetTimeout(timeout)

	if cfg.ProxyURL != "" {
		client.SetProxyURL(cfg.ProxyURL)
	}

	// streamed bodies bypass req so Content-Length stays exact,
	// redirects are followed by NetworkJob itself
	httpClient := *client.GetClient()
	httpClient.Timeout = 0
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Account{
		url:         u,
		davPath:     davPath,
		credentials: cfg.Credentials,
		timeout:     timeout,
		client:      client,
		httpClient:  &httpClient,
	}, nil
}

// URL is the server base url.
func (a *Account) URL() *url.URL {
	u := *a.url
	return &u
}

func (a *Account) DavPath() string {
	return a.davPath
}

// DavURL is the absolute url of the WebDAV root, with trailing slash.
func (a *Account) DavURL() string {
	return strings.TrimSuffix(a.url.String(), "/") + a.davPath
}

// FileURL is the absolute url of a path relative to the WebDAV root.
func (a *Account) FileURL(rel string) string {
	return a.DavURL() + EscapePath(strings.TrimPrefix(rel, "/"))
}

// AbsoluteURL joins the server scheme and authority with an absolute path,
// the form poll urls come in.
func (a *Account) AbsoluteURL(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return a.url.Scheme + "://" + a.url.Host + path
}

func (a *Account) Credentials() Credentials {
	return a.credentials
}

func (a *Account) SetCredentials(c Credentials) {
	a.credentials = c
}

func (a *Account) Timeout() time.Duration {
	return a.timeout
}

// Client is the request client for small JSON exchanges.
func (a *Account) Client() *req.Client {
	return a.client
}

// HTTPClient does not follow redirects.
func (a *Account) HTTPClient() *http.Client {
	return a.httpClient
}

// EscapePath percent-encodes each segment of a slash separated path.
func EscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
