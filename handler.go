//go:build linux

package evserve

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/evserve/evserve/cache"

	"github.com/rs/zerolog"
)

// requestError carries the HTTP status a failed pipeline stage maps to,
// so callers pick the right status line without inspecting error kinds.
type requestError struct {
	status int
	cause  error
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.status, http.StatusText(e.status), e.cause)
}

func (e *requestError) Unwrap() error {
	return e.cause
}

func badRequest(cause error) *requestError {
	return &requestError{status: 400, cause: cause}
}

func forbidden(reqPath string) *requestError {
	return &requestError{status: 403, cause: fmt.Errorf("path %q escapes the content root", reqPath)}
}

// classifyFS maps a filesystem error to 404 or 500.
func classifyFS(err error) *requestError {
	if os.IsNotExist(err) {
		return &requestError{status: 404, cause: err}
	}
	return &requestError{status: 500, cause: err}
}

// handler runs the request pipeline: parse, resolve, cache lookup, load,
// cache store, assemble. The parse/resolve/cache stages and the cache
// store run on the reactor thread; only the load stage may run on a
// loader worker.
type handler struct {
	dir        string
	cache      cache.Provider
	serverName string
	metrics    *Metrics
	log        zerolog.Logger
}

// handle is the full synchronous pipeline: raw request bytes in, response
// bytes out. Used when no loader pool is configured.
func (h *handler) handle(raw []byte) []byte {
	resp, job := h.respond(raw)
	if job != nil {
		resp = h.finish(job, h.load(job))
	}
	return resp
}

// respond runs the pipeline up to the cache lookup. Exactly one of the
// return values is set: a finished response (errors and cache hits), or a
// load job for content that must be fetched from disk.
func (h *handler) respond(raw []byte) ([]byte, *loadJob) {
	reqPath, err := parseRequestPath(raw)
	if err != nil {
		return h.errorResponse(badRequest(err)), nil
	}
	resolved, rerr := h.resolve(reqPath)
	if rerr != nil {
		return h.errorResponse(rerr), nil
	}

	entry, ok, err := h.cache.Get(resolved)
	if err != nil {
		// a broken cache read degrades to a miss
		h.log.Warn().Err(err).Str("path", resolved).Msg("Cache read failed")
		ok = false
	}
	if ok {
		st, err := os.Stat(resolved)
		if err != nil {
			if os.IsNotExist(err) {
				h.cache.Purge(resolved)
			}
			return h.errorResponse(classifyFS(err)), nil
		}
		if st.ModTime().Unix() == entry.ModTime {
			h.metrics.CacheHits.Add(1)
			return h.okResponse(entry.Content), nil
		}
	}
	h.metrics.CacheMisses.Add(1)
	return nil, &loadJob{resolved: resolved, reqPath: reqPath}
}

// finish turns a load result into a response and stores successful loads
// in the cache. Must run on the reactor thread: it is the only cache
// writer besides the purge in respond.
func (h *handler) finish(job *loadJob, res loadResult) []byte {
	if res.err != nil {
		return h.errorResponse(res.err)
	}
	err := h.cache.Put(cache.Entry{Path: job.resolved, Content: res.content, ModTime: res.modTime})
	if err != nil {
		h.log.Warn().Err(err).Str("path", job.resolved).Msg("Cache write failed")
	}
	return h.okResponse(res.content)
}

// load fetches content from disk: the file's bytes, or a synthesized
// listing for a directory. It touches no shared state and is safe to run
// on a loader worker.
func (h *handler) load(job *loadJob) loadResult {
	st, err := os.Stat(job.resolved)
	if err != nil {
		return loadResult{err: classifyFS(err)}
	}
	var content []byte
	if st.IsDir() {
		names, err := readDirNames(job.resolved)
		if err != nil {
			return loadResult{err: classifyFS(err)}
		}
		content = listingPage(job.reqPath, names)
	} else {
		content, err = os.ReadFile(job.resolved)
		if err != nil {
			return loadResult{err: classifyFS(err)}
		}
	}
	// stat again after the read so a write racing the load shows up as
	// stale on the next request
	st, err = os.Stat(job.resolved)
	if err != nil {
		return loadResult{err: classifyFS(err)}
	}
	return loadResult{content: content, modTime: st.ModTime().Unix()}
}

// parseRequestPath extracts the path token from the request line. Method
// and version are not consulted.
func parseRequestPath(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("request is not valid text")
	}
	line, _, _ := strings.Cut(string(raw), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", errors.New("malformed request line")
	}
	return fields[1], nil
}

// resolve maps a request path to a canonical filesystem path confined to
// the content root. Escapes via .. or symlinks are rejected.
func (h *handler) resolve(reqPath string) (string, *requestError) {
	root, err := filepath.Abs(h.dir)
	if err != nil {
		return "", &requestError{status: 500, cause: err}
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", classifyFS(err)
	}
	rel := strings.TrimPrefix(reqPath, "/")
	if rel == "" {
		rel = "index.html"
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, rel))
	if err != nil {
		return "", classifyFS(err)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", forbidden(reqPath)
	}
	return resolved, nil
}

// readDirNames enumerates immediate entries in filesystem order (not
// sorted). Entries whose names are not valid UTF-8 are dropped.
func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	kept := names[:0]
	for _, name := range names {
		if utf8.ValidString(name) {
			kept = append(kept, name)
		}
	}
	return kept, nil
}

func (h *handler) okResponse(body []byte) []byte {
	return assemble(200, h.serverName, nil, body)
}

func (h *handler) errorResponse(e *requestError) []byte {
	h.log.Debug().Err(e).Msg("Request failed")
	return assemble(e.status, h.serverName, []header{{"Content-Type", "text/html"}}, errorPage(e.status))
}
