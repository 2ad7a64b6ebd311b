package davsdk

import (
	"context"
	"fmt"
	"time"
)

const statusPath = "/status.php"

// ServerStatus is the status.php document.
type ServerStatus struct {
	Installed     bool   `json:"installed"`
	Maintenance   bool   `json:"maintenance"`
	Version       string `json:"version"`
	VersionString string `json:"versionstring"`
	Edition       string `json:"edition"`
}

// CheckServer fetches status.php. The returned reply carries the classification;
// status is nil unless the server answered with a valid document.
func (a *Account) CheckServer(ctx context.Context) (*ServerStatus, *Reply) {
	reply := &Reply{}
	start := time.Now()
	defer func() {
		reply.Duration = time.Since(start)
	}()

	var status ServerStatus
	resp, err := a.client.R().
		SetContext(ctx).
		SetSuccessResult(&status).
		Get(a.AbsoluteURL(a.url.Path + statusPath))

	if resp != nil && resp.Response != nil {
		reply.StatusCode = resp.StatusCode
		reply.Header = resp.Header
		reply.ResponseTimestamp = resp.Header.Get(HeaderDate)
	}

	switch {
	case err != nil:
		reply.Err = fmt.Errorf("check server: %w", err)
	case !resp.IsSuccessState():
		reply.Err = &HTTPError{StatusCode: resp.StatusCode}
	case status.Version == "" && !status.Installed:
		reply.Err = fmt.Errorf("%w: status.php without version", ErrMalformedReply)
	}
	reply.Outcome = Classify(reply.Err, reply.StatusCode)

	if reply.Err != nil {
		return nil, reply
	}
	return &status, reply
}
