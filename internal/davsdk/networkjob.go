package davsdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/swissdisk/swissdisk/internal/version"
)

// replies larger than this are truncated, only DAV status bodies are buffered
const maxBufferedReply = 8 << 20

// BodyFunc opens a fresh request body and reports its exact length.
// It is called again for every (re-)issue of the request.
type BodyFunc func() (io.ReadCloser, int64, error)

// ResponseHandler consumes a streamed response body.
type ResponseHandler func(resp *http.Response) error

// Reply is the outcome of one issued request.
type Reply struct {
	RequestID         string
	StatusCode        int
	Header            http.Header
	Body              []byte
	Err               error
	Outcome           Outcome
	ResponseTimestamp string
	Duration          time.Duration
}

// ErrorString is the message recorded on the item when the request failed.
func (r *Reply) ErrorString() string {
	if r == nil || r.Err == nil {
		return ""
	}
	if errors.Is(r.Err, ErrJobTimeout) {
		return "Connection timed out"
	}
	return r.Err.Error()
}

// NetworkJob is one HTTP request bound to an account.
// Start may be called again to retry; the body is reopened through Body.
type NetworkJob struct {
	account *Account

	Method       string
	URL          string
	Header       http.Header
	Body         BodyFunc
	Timeout      time.Duration
	MaxRedirects int
}

// NewJob creates a request for a path relative to the WebDAV root.
func (a *Account) NewJob(method, rel string) *NetworkJob {
	return a.NewJobURL(method, a.FileURL(rel))
}

// NewJobURL creates a request for an absolute url.
func (a *Account) NewJobURL(method, rawURL string) *NetworkJob {
	return &NetworkJob{
		account: a,
		Method:  method,
		URL:     rawURL,
		Header:  make(http.Header),
		Timeout: a.timeout,
	}
}

// Start issues the request and buffers the reply body.
func (j *NetworkJob) Start(ctx context.Context) *Reply {
	return j.Stream(ctx, nil)
}

// Stream issues the request and hands a successful response to handle.
// With a nil handler the body is buffered into Reply.Body. Error replies are
// always buffered so the server message can be extracted.
func (j *NetworkJob) Stream(ctx context.Context, handle ResponseHandler) *Reply {
	reply := &Reply{RequestID: uuid.NewString()}
	start := time.Now()
	defer func() {
		reply.Duration = time.Since(start)
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var timedOut atomic.Bool
	var timer *time.Timer
	var timerMu sync.Mutex
	touch := func() {}
	if j.Timeout > 0 {
		timer = time.AfterFunc(j.Timeout, func() {
			timedOut.Store(true)
			cancel(ErrJobTimeout)
		})
		touch = func() {
			if timedOut.Load() {
				return
			}
			timerMu.Lock()
			timer.Reset(j.Timeout)
			timerMu.Unlock()
		}
		defer timer.Stop()
	}

	target := j.URL
	var resp *http.Response
	var err error
	for redirects := 0; ; redirects++ {
		resp, err = j.do(ctx, target, reply.RequestID, touch)
		if err != nil {
			break
		}
		if !isRedirect(resp.StatusCode) {
			break
		}

		location := resp.Header.Get("Location")
		drainAndClose(resp.Body)
		if location == "" || redirects >= j.MaxRedirects {
			err = fmt.Errorf("%w: %d to %q", ErrRedirectNotFollowed, resp.StatusCode, location)
			break
		}
		next, perr := resolveLocation(target, location)
		if perr != nil {
			err = fmt.Errorf("%w: %v", ErrRedirectNotFollowed, perr)
			break
		}
		slog.Debug("network job redirect", "method", j.Method, "from", target, "to", next)
		target = next
	}

	if err == nil {
		reply.StatusCode = resp.StatusCode
		reply.Header = resp.Header
		reply.ResponseTimestamp = resp.Header.Get(HeaderDate)
		resp.Body = &activityReader{rc: resp.Body, touch: touch}

		if handle != nil && resp.StatusCode < 300 {
			err = handle(resp)
			resp.Body.Close()
		} else {
			reply.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxBufferedReply))
			resp.Body.Close()
			if err == nil && resp.StatusCode >= 400 {
				err = &HTTPError{StatusCode: resp.StatusCode, Message: ServerMessage(reply.Body)}
			}
		}
	} else if resp != nil {
		reply.StatusCode = resp.StatusCode
		reply.Header = resp.Header
	}

	// a fired inactivity timer wins over whatever the transport reported
	if timedOut.Load() {
		err = ErrJobTimeout
	} else if err != nil && errors.Is(context.Cause(ctx), ErrJobTimeout) {
		err = ErrJobTimeout
	}

	reply.Err = err
	reply.Outcome = Classify(err, reply.StatusCode)

	slog.Debug("network job",
		"method", j.Method,
		"url", target,
		"status", reply.StatusCode,
		"outcome", reply.Outcome,
		"requestId", reply.RequestID,
		"error", err)
	return reply
}

func (j *NetworkJob) do(ctx context.Context, target, requestID string, touch func()) (*http.Response, error) {
	var body io.ReadCloser
	var size int64
	if j.Body != nil {
		rc, n, err := j.Body()
		if err != nil {
			return nil, err
		}
		body = &activityReader{rc: rc, touch: touch}
		size = n
	}

	req, err := http.NewRequestWithContext(ctx, j.Method, target, body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
		if size == 0 {
			req.Body = http.NoBody
			body.Close()
		}
	}

	for k, vv := range j.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(HeaderUserAgent, version.UserAgent())
	req.Header.Set(HeaderRequestID, requestID)
	if creds := j.account.credentials; creds != nil {
		creds.Apply(req)
	}

	resp, err := j.account.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	touch()
	return resp, nil
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400 && code != http.StatusNotModified
}

func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(l).String(), nil
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64<<10))
	rc.Close()
}

// activityReader re-arms the inactivity timer whenever bytes move.
type activityReader struct {
	rc    io.ReadCloser
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.rc.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

func (a *activityReader) Close() error {
	return a.rc.Close()
}
