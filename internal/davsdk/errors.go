package davsdk

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

var (
	ErrNoServerURL             = errors.New("davsdk: server url missing")
	ErrNoCredentials           = errors.New("davsdk: credentials missing")
	ErrUserCanceledCredentials = errors.New("davsdk: user canceled credentials")
	ErrLocalFileChanged        = errors.New("davsdk: local file changed during sync")
	ErrJobTimeout              = errors.New("davsdk: connection timed out")
	ErrRedirectNotFollowed     = errors.New("davsdk: redirect not followed")
	ErrMalformedReply          = errors.New("davsdk: malformed reply")
)

var serverMessageRe = regexp.MustCompile(`(?s)<s:message>(.*)</s:message>`)

// HTTPError is a non-2xx reply. Message carries the server's <s:message>, if any.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	s := fmt.Sprintf("server replied %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		s += " (" + e.Message + ")"
	}
	return s
}

// ServerMessage extracts the human readable message of a DAV error body.
func ServerMessage(body []byte) string {
	m := serverMessageRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// StatusCode returns the HTTP status behind err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
