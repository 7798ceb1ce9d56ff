//go:build linux

package evserve

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// Boilerplate page generation. Pure formatting, no state.

func errorPage(status int) []byte {
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return []byte(fmt.Sprintf(
		"<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1></body></html>",
		title, title))
}

// listingPage renders a directory listing with one link per entry. Links
// are request-path relative; entry names are emitted as-is, without
// percent-encoding.
func listingPage(reqPath string, names []string) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "<!DOCTYPE html><html><head><title>Index of %s</title></head><body>", reqPath)
	fmt.Fprintf(buf, "<h1>Index of %s</h1>", reqPath)
	if len(names) == 0 {
		buf.WriteString("<p>This directory is empty.</p>")
	} else {
		base := reqPath
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		buf.WriteString("<ul>")
		for _, name := range names {
			fmt.Fprintf(buf, `<li><a href="%s%s">%s</a></li>`, base, name, name)
		}
		buf.WriteString("</ul>")
	}
	buf.WriteString("</body></html>")
	return buf.Bytes()
}
