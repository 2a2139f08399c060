package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders must not be forwarded in either direction (RFC 9110 §7.6.1
// plus host/content-length, which the client recomputes).
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

// stripRequestHeaders are removed from forwarded requests so the upstream
// client negotiates encoding itself and hands back decoded bytes.
var stripRequestHeaders = map[string]bool{
	"accept-encoding": true,
}

// stripResponseHeaders are stale after the client's transparent decoding and
// must not be echoed downstream.
var stripResponseHeaders = map[string]bool{
	"content-encoding":  true,
	"content-length":    true,
	"transfer-encoding": true,
}

// sensitiveHeaders have their stored values redacted.
var sensitiveHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"api-key":        true,
	"openai-api-key": true,
}

// RedactHeaders returns a copy of headers with sensitive values reduced to
// their first 12 characters plus "***" (or just "***" for short values).
// When redact is false the map is copied unchanged.
func RedactHeaders(headers map[string]string, redact bool) map[string]string {
	result := make(map[string]string, len(headers))
	for key, value := range headers {
		if redact && sensitiveHeaders[strings.ToLower(key)] {
			if len(value) > 12 {
				result[key] = value[:12] + "***"
			} else {
				result[key] = "***"
			}
		} else {
			result[key] = value
		}
	}
	return result
}

// forwardRequestHeaders filters the inbound headers down to what gets sent
// upstream.
func forwardRequestHeaders(headers map[string]string) http.Header {
	out := http.Header{}
	for key, value := range headers {
		lower := strings.ToLower(key)
		if hopByHopHeaders[lower] || stripRequestHeaders[lower] {
			continue
		}
		out.Set(key, value)
	}
	return out
}

// echoResponseHeaders filters upstream response headers down to what gets
// echoed to the downstream client.
func echoResponseHeaders(upstream http.Header, downstream http.Header) {
	for key, values := range upstream {
		lower := strings.ToLower(key)
		if hopByHopHeaders[lower] || stripResponseHeaders[lower] {
			continue
		}
		for _, value := range values {
			downstream.Add(key, value)
		}
	}
}

// flattenHeaders collapses an http.Header into a single-value map, keeping
// the first value of each header.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
