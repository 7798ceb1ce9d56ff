//go:build linux

package evserve

import (
	"bytes"
	"fmt"
)

// Responses use the HTTP/1.0 wire format: status line, headers, a fixed
// Server header, blank line, body. No Content-Length is emitted; the
// connection close delimits the body.
const protoVersion = "HTTP/1.0"

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
}

type header struct {
	name  string
	value string
}

// assemble serializes a complete response into a single buffer.
func assemble(status int, serverName string, headers []header, body []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(len(body) + 128)
	fmt.Fprintf(buf, "%s %d %s\r\n", protoVersion, status, statusText[status])
	for _, h := range headers {
		fmt.Fprintf(buf, "%s: %s\r\n", h.name, h.value)
	}
	fmt.Fprintf(buf, "Server: %s\r\n\r\n", serverName)
	buf.Write(body)
	return buf.Bytes()
}
