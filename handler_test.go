//go:build linux

package evserve

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evserve/evserve/cache"

	"github.com/rs/zerolog"
)

func newTestHandler(dir string) *handler {
	return &handler{
		dir:        dir,
		cache:      cache.NewMemCache(0),
		serverName: "evserve",
		metrics:    &Metrics{},
		log:        zerolog.Nop(),
	}
}

func request(path string) []byte {
	return []byte("GET " + path + " HTTP/1.0\r\n\r\n")
}

// parseResponse splits an assembled response into status line and body.
func parseResponse(t *testing.T, resp []byte) (string, string) {
	t.Helper()
	head, body, found := strings.Cut(string(resp), "\r\n\r\n")
	if !found {
		t.Fatalf("Response has no header/body separator: %q", resp)
	}
	statusLine, _, _ := strings.Cut(head, "\r\n")
	return statusLine, body
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestServeIndexOnRootPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.html"), "hello")
	h := newTestHandler(dir)

	statusLine, body := parseResponse(t, h.handle(request("/")))
	if statusLine != "HTTP/1.0 200 OK" {
		t.Fatalf("Status line is %q", statusLine)
	}
	if body != "hello" {
		t.Fatalf("Body is %q", body)
	}
}

func TestMissingFileDoesNotPolluteCache(t *testing.T) {
	dir := t.TempDir()
	h := newTestHandler(dir)

	statusLine, body := parseResponse(t, h.handle(request("/missing.txt")))
	if statusLine != "HTTP/1.0 404 Not Found" {
		t.Fatalf("Status line is %q", statusLine)
	}
	if !strings.Contains(body, "404") {
		t.Fatalf("Error body is %q", body)
	}
	if h.cache.Len() != 0 {
		t.Fatalf("Cache has %d entries after a 404", h.cache.Len())
	}

	// creating the file afterwards must serve it, not a stale 404
	writeFile(t, filepath.Join(dir, "missing.txt"), "now it exists")
	statusLine, body = parseResponse(t, h.handle(request("/missing.txt")))
	if statusLine != "HTTP/1.0 200 OK" || body != "now it exists" {
		t.Fatalf("Got %q / %q", statusLine, body)
	}
}

func TestTraversalIsForbidden(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "static")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(parent, "secret"), "top secret")
	h := newTestHandler(root)

	for _, path := range []string{"/../secret", "/../../../../etc/passwd", "/a/../../secret"} {
		statusLine, _ := parseResponse(t, h.handle(request(path)))
		if statusLine == "HTTP/1.0 200 OK" || statusLine == "HTTP/1.0 500 Internal Server Error" {
			t.Fatalf("Path %q got %q", path, statusLine)
		}
	}
	statusLine, _ := parseResponse(t, h.handle(request("/../secret")))
	if statusLine != "HTTP/1.0 403 Forbidden" {
		t.Fatalf("Status line is %q", statusLine)
	}
}

func TestSymlinkEscapeIsForbidden(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "static")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(parent, "secret"), "top secret")
	if err := os.Symlink(filepath.Join(parent, "secret"), filepath.Join(root, "link")); err != nil {
		t.Skipf("Cannot create symlink: %v", err)
	}
	h := newTestHandler(root)

	statusLine, _ := parseResponse(t, h.handle(request("/link")))
	if statusLine != "HTTP/1.0 403 Forbidden" {
		t.Fatalf("Status line is %q", statusLine)
	}
}

func TestMalformedRequestLine(t *testing.T) {
	h := newTestHandler(t.TempDir())

	for _, raw := range [][]byte{
		[]byte("\r\n"),
		[]byte("GET\r\n"),
		{0xff, 0xfe, 0xfd},
	} {
		resp := h.handle(raw)
		statusLine, body := parseResponse(t, resp)
		if statusLine != "HTTP/1.0 400 Bad Request" {
			t.Fatalf("Request %q got %q", raw, statusLine)
		}
		if !strings.Contains(body, "<html>") {
			t.Fatalf("400 body is not HTML: %q", body)
		}
		if !strings.Contains(string(resp), "Content-Type: text/html\r\n") {
			t.Fatalf("400 response lacks content type: %q", resp)
		}
	}
}

func TestSecondRequestIsServedFromCache(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "page.html")
	writeFile(t, file, "original")
	h := newTestHandler(dir)

	_, first := parseResponse(t, h.handle(request("/page.html")))

	// rewrite the content but restore the mod time: a cached serve must
	// not touch the disk and still returns the original bytes
	st, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, file, "rewritten")
	if err := os.Chtimes(file, st.ModTime(), st.ModTime()); err != nil {
		t.Fatal(err)
	}

	_, second := parseResponse(t, h.handle(request("/page.html")))
	if first != second || second != "original" {
		t.Fatalf("Bodies differ: %q then %q", first, second)
	}
	if hits := h.metrics.CacheHits.Load(); hits != 1 {
		t.Fatalf("Cache hits = %d", hits)
	}
}

func TestModifiedFileInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "page.html")
	writeFile(t, file, "original")
	h := newTestHandler(dir)

	h.handle(request("/page.html"))

	writeFile(t, file, "updated")
	// force a different mtime second, the cache compares unix seconds
	bumped := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(file, bumped, bumped); err != nil {
		t.Fatal(err)
	}

	_, body := parseResponse(t, h.handle(request("/page.html")))
	if body != "updated" {
		t.Fatalf("Body is %q", body)
	}
}

func TestDeletedFileIsPurged(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gone.txt")
	writeFile(t, file, "here for now")
	h := newTestHandler(dir)

	h.handle(request("/gone.txt"))
	if h.cache.Len() != 1 {
		t.Fatalf("Cache has %d entries", h.cache.Len())
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	statusLine, _ := parseResponse(t, h.handle(request("/gone.txt")))
	if statusLine != "HTTP/1.0 404 Not Found" {
		t.Fatalf("Status line is %q", statusLine)
	}
	if h.cache.Len() != 0 {
		t.Fatalf("Stale entry not purged, cache has %d entries", h.cache.Len())
	}
}

func TestDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "docs")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sub, "a.txt"), "a")
	writeFile(t, filepath.Join(sub, "b.txt"), "b")
	h := newTestHandler(dir)

	statusLine, body := parseResponse(t, h.handle(request("/docs")))
	if statusLine != "HTTP/1.0 200 OK" {
		t.Fatalf("Status line is %q", statusLine)
	}
	for _, link := range []string{`href="/docs/a.txt"`, `href="/docs/b.txt"`} {
		if !strings.Contains(body, link) {
			t.Fatalf("Listing %q is missing %s", body, link)
		}
	}
}

func TestEmptyDirectoryPlaceholder(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(dir)

	_, body := parseResponse(t, h.handle(request("/empty")))
	if !strings.Contains(body, "empty") {
		t.Fatalf("Placeholder missing from %q", body)
	}
	if strings.Contains(body, "<li>") {
		t.Fatalf("Empty directory rendered a list: %q", body)
	}
}

func TestNoContentLengthHeader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.html"), "hello")
	h := newTestHandler(dir)

	resp := string(h.handle(request("/")))
	if strings.Contains(resp, "Content-Length") {
		t.Fatalf("Response carries Content-Length: %q", resp)
	}
	if !strings.Contains(resp, "Server: evserve\r\n") {
		t.Fatalf("Response lacks Server header: %q", resp)
	}
}

func TestParseRequestPath(t *testing.T) {
	path, err := parseRequestPath([]byte("GET /foo/bar HTTP/1.0\r\nHost: x\r\n\r\n"))
	if err != nil || path != "/foo/bar" {
		t.Fatalf("Got %q, %v", path, err)
	}
	// method and version are not consulted
	path, err = parseRequestPath([]byte("BREW /teapot HTCPCP/1.0\r\n"))
	if err != nil || path != "/teapot" {
		t.Fatalf("Got %q, %v", path, err)
	}
	if _, err := parseRequestPath([]byte("GET")); err == nil {
		t.Fatal("Single-token request line parsed")
	}
}
