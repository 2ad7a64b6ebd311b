package davsdk

import (
	"fmt"
)

// PollStatus is the body a poll url answers with.
type PollStatus struct {
	Unfinished any    `json:"unfinished"`
	Error      string `json:"error"`
	FileID     string `json:"fileid"`
	ETag       string `json:"etag"`
}

// IsUnfinished is true while the server is still assembling the file.
// The value is read by JSON truthiness: null, false, 0, "" and empty
// arrays or objects mean finished, anything else means unfinished.
func (p *PollStatus) IsUnfinished() bool {
	switch v := p.Unfinished.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// ParsePollStatus decodes a poll reply.
func ParsePollStatus(body []byte) (*PollStatus, error) {
	var fields map[string]any
	if err := jsonUnmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty poll reply", ErrMalformedReply)
	}

	var status PollStatus
	if err := jsonUnmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return &status, nil
}
