package davsdk

import (
	"net/http"
	"strings"
)

const (
	HeaderUserAgent      = "User-Agent"
	HeaderRequestID      = "X-Request-ID"
	HeaderContentType    = "Content-Type"
	HeaderIfMatch        = "If-Match"
	HeaderDestination    = "Destination"
	HeaderOverwrite      = "Overwrite"
	HeaderDepth          = "Depth"
	HeaderRange          = "Range"
	HeaderDate           = "Date"
	HeaderETag           = "ETag"
	HeaderOCETag         = "OC-ETag"
	HeaderMTime          = "X-SwissDisk-MTime"
	HeaderFileID         = "X-SwissDisk-FileId"
	HeaderFinishPoll     = "OC-Finish-Poll"
	HeaderChunked        = "OC-Chunked"
	HeaderTotalLength    = "OC-Total-Length"
	ContentTypeOctet     = "application/octet-stream"
	ContentTypeXML       = "application/xml; charset=utf-8"
	MTimeAccepted        = "accepted"
	EmptyETagPlaceholder = "empty_etag"
)

// ParseETag strips the quotes and the "-gzip" suffix some servers append.
func ParseETag(raw string) string {
	etag := strings.TrimSpace(raw)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	etag = strings.TrimSuffix(etag, "-gzip")
	return etag
}

// ETagFromHeader prefers OC-ETag over ETag.
func ETagFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	if etag := ParseETag(h.Get(HeaderOCETag)); etag != "" {
		return etag
	}
	return ParseETag(h.Get(HeaderETag))
}
