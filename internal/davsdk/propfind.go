package davsdk

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const MethodPropfind = "PROPFIND"

type multistatus struct {
	Responses []propResponse `xml:"DAV: response"`
}

type propResponse struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Status string   `xml:"DAV: status"`
	Prop   propList `xml:"DAV: prop"`
}

type propList struct {
	Props []rawProp `xml:",any"`
}

type rawProp struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// Propfind asks for the DAV: properties props of rel with depth 0.
// On success the map holds every property the server reported with 200 OK.
func (a *Account) Propfind(ctx context.Context, rel string, props []string) (map[string]string, *Reply) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" ?><d:propfind xmlns:d="DAV:"><d:prop>`)
	for _, p := range props {
		b.WriteString("<d:" + p + " />")
	}
	b.WriteString(`</d:prop></d:propfind>`)
	payload := []byte(b.String())

	job := a.NewJob(MethodPropfind, rel)
	job.Header.Set(HeaderDepth, "0")
	job.Header.Set(HeaderContentType, ContentTypeXML)
	job.Body = func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), nil
	}

	reply := job.Start(ctx)
	if reply.Err != nil {
		return nil, reply
	}
	if reply.StatusCode != http.StatusMultiStatus {
		reply.Err = fmt.Errorf("%w: propfind answered %d", ErrMalformedReply, reply.StatusCode)
		reply.Outcome = Classify(reply.Err, reply.StatusCode)
		return nil, reply
	}

	values, err := parseMultistatus(reply.Body)
	if err != nil {
		reply.Err = err
		reply.Outcome = Classify(err, reply.StatusCode)
		return nil, reply
	}
	return values, reply
}

func parseMultistatus(body []byte) (map[string]string, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	values := make(map[string]string)
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			for _, p := range ps.Prop.Props {
				values[p.XMLName.Local] = strings.TrimSpace(p.Value)
			}
		}
	}
	return values, nil
}
