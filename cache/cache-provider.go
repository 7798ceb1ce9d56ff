package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is an interface for a content cache. It stores file content
// snapshots keyed by resolved filesystem path, together with the
// modification time observed when the snapshot was taken. Staleness is
// the caller's concern: a stored entry is returned as-is, and the caller
// compares its mod time against the file on disk.
//
// Implementations must be thread-safe. The reactor is the only writer,
// but the admin endpoint reads entry counts from its own goroutine.
type Provider interface {
	// Get returns the entry for the given path, if one exists.
	Get(path string) (Entry, bool, error)
	// Put stores the entry, overwriting any previous snapshot of the
	// same path. Capped implementations may evict other entries.
	Put(entry Entry) error
	// Purge removes the entry for the given path, if any.
	Purge(path string)
	// Len reports the number of stored entries.
	Len() int
}

// Entry is one cached content snapshot.
type Entry struct {
	Path    string
	Content []byte
	// ModTime is the file's modification time in unix seconds, as
	// observed right after the content was read.
	ModTime int64
}

// SQLiteCache is a Provider backed by a sqlite database, for caches that
// should survive restarts. Recency is tracked per row so the byte cap can
// evict least-recently-used entries.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	maxBytes   int64
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty or "memory", an in-memory db is opened.
// A maxBytes of zero means no cap.
func NewSQLiteCache(filename string, maxBytes int64) SQLiteCache {
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS content (
		path TEXT PRIMARY KEY,
		mod_time INTEGER,
		last_used INTEGER,
		content BLOB
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS last_used_idx ON content (last_used)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		maxBytes:   maxBytes,
	}
}

func (s SQLiteCache) Get(path string) (Entry, bool, error) {
	entry := Entry{Path: path}
	err := s.db.QueryRow("SELECT mod_time, content FROM content WHERE path = ?", path).
		Scan(&entry.ModTime, &entry.Content)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec("UPDATE content SET last_used = ? WHERE path = ?", time.Now().UnixNano(), path)
	return entry, true, err
}

func (s SQLiteCache) Put(entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO content
		(path, mod_time, last_used, content) VALUES (?, ?, ?, ?)`,
		entry.Path, entry.ModTime, time.Now().UnixNano(), entry.Content)
	if err != nil {
		return err
	}
	return s.enforceCap(entry.Path)
}

// enforceCap deletes least-recently-used rows until the stored bytes fit
// under the cap. The row just written is spared so the active path always
// remains cached.
func (s SQLiteCache) enforceCap(keep string) error {
	if s.maxBytes <= 0 {
		return nil
	}
	for {
		var total int64
		err := s.db.QueryRow("SELECT COALESCE(SUM(LENGTH(content)), 0) FROM content").Scan(&total)
		if err != nil {
			return err
		}
		if total <= s.maxBytes {
			return nil
		}
		var victim string
		err = s.db.QueryRow(
			"SELECT path FROM content WHERE path != ? ORDER BY last_used ASC LIMIT 1", keep,
		).Scan(&victim)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := s.db.Exec("DELETE FROM content WHERE path = ?", victim); err != nil {
			return err
		}
	}
}

func (s SQLiteCache) Purge(path string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM content WHERE path = ?", path)
	if err != nil {
		panic(err)
	}
}

func (s SQLiteCache) Len() int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM content").Scan(&count); err != nil {
		return 0
	}
	return count
}
