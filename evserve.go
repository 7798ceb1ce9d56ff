//go:build linux

package evserve

import (
	"errors"
	"fmt"

	"github.com/evserve/evserve/cache"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrBindPermission marks a bind failure caused by insufficient privileges
// (typically a port below 1024 without CAP_NET_BIND_SERVICE).
var ErrBindPermission = errors.New("insufficient privileges to bind")

const (
	listenBacklog     = 128
	eventBatchSize    = 128
	DefaultCacheBytes = 64 << 20
)

type Config struct {
	// Port to listen on. 0 picks an ephemeral port.
	Port int
	// Dir is the root directory content is served from.
	Dir string
	// Storage for content snapshots. An unbounded in-memory cache is used
	// if nil.
	Cache cache.Provider
	// Workers is the number of loader goroutines. Zero or negative runs
	// every load inline on the reactor thread.
	Workers int
	// ServerName is sent in the Server response header.
	ServerName string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Server is a single-threaded static-content HTTP/1.0 server. One
// goroutine (the caller of Run) owns the poller, the connection table and
// all cache writes; loader workers only touch the filesystem and hand
// their results back through the poller wakeup.
type Server struct {
	log     zerolog.Logger
	cfg     Config
	poller  *Poller
	handler *handler
	pool    *loaderPool
	metrics Metrics

	listenFd int
	port     int
	nextID   uint64
	conns    map[uint64]*conn
}

// NewServer sets up a server instance. Listen must be called before Run.
func NewServer(config Config) *Server {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("dir", config.Dir).Logger()

	if config.Cache == nil {
		config.Cache = cache.NewMemCache(0)
	}
	if config.ServerName == "" {
		config.ServerName = "evserve"
	}

	s := &Server{
		log:    logger,
		cfg:    config,
		nextID: wakeupID + 1,
		conns:  make(map[uint64]*conn),
	}
	s.handler = &handler{
		dir:        config.Dir,
		cache:      config.Cache,
		serverName: config.ServerName,
		metrics:    &s.metrics,
		log:        logger,
	}
	return s
}

// Listen binds the listening socket and registers it with the poller.
func (s *Server) Listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.cfg.Port}); err != nil {
		unix.Close(fd)
		if err == unix.EACCES {
			return fmt.Errorf("%w: port %d", ErrBindPermission, s.cfg.Port)
		}
		return fmt.Errorf("bind port %d: %w", s.cfg.Port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	s.port = sa.(*unix.SockaddrInet4).Port

	poller, err := NewPoller()
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("poller: %w", err)
	}
	if err := poller.Register(fd, listenerID, Readable); err != nil {
		poller.Close()
		unix.Close(fd)
		return fmt.Errorf("register listener: %w", err)
	}

	s.listenFd = fd
	s.poller = poller
	if s.cfg.Workers > 0 {
		s.pool = newLoaderPool(s.cfg.Workers, s.handler, s.poller, s.log)
	}
	return nil
}

// Port reports the bound port. Valid after Listen.
func (s *Server) Port() int {
	return s.port
}

// Run drives the reactor loop. It only returns on a poller failure, which
// is fatal for the whole server.
func (s *Server) Run() error {
	events := make([]Event, eventBatchSize)
	for {
		n, err := s.poller.Wait(events)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		for _, ev := range events[:n] {
			switch ev.ID {
			case listenerID:
				s.acceptPending()
			case wakeupID:
				s.poller.DrainWakeup()
				s.deliverLoads()
			default:
				s.handleConn(ev)
			}
		}
	}
}

// Close releases the listener and the poller. A concurrent Run returns
// with an error once the poller is gone.
func (s *Server) Close() error {
	unix.Close(s.listenFd)
	return s.poller.Close()
}

// acceptPending drains the accept backlog in one reactor turn so a burst
// of new connections cannot starve established ones across turns.
func (s *Server) acceptPending() {
	for {
		fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Accept failed")
			return
		}
		id := s.nextID
		s.nextID++
		if err := s.poller.Register(fd, id, Readable); err != nil {
			// one bad socket must not stop the drain
			s.log.Warn().Err(err).Uint64("conn", id).Msg("Could not register connection")
			unix.Close(fd)
			continue
		}
		s.conns[id] = &conn{id: id, fd: fd}
		s.metrics.Accepted.Add(1)
	}
}

// handleConn advances one connection's state machine for one readiness
// event. Any I/O error tears the connection down; the peer sees an abrupt
// close.
func (s *Server) handleConn(ev Event) {
	c, ok := s.conns[ev.ID]
	if !ok {
		// already torn down earlier in this batch
		return
	}
	switch c.state {
	case stateRequest:
		if !ev.Readable {
			if ev.Closed {
				s.teardown(c)
			}
			return
		}
		raw, err := c.readRequest()
		if err != nil {
			s.log.Debug().Err(err).Uint64("conn", c.id).Msg("Request read failed")
			s.teardown(c)
			return
		}
		resp, job := s.handler.respond(raw)
		if job != nil {
			if s.pool != nil {
				job.connID = c.id
				c.state = stateLoad
				if err := s.poller.Reregister(c.fd, c.id, None); err != nil {
					s.teardown(c)
					return
				}
				s.pool.submit(job)
				return
			}
			resp = s.handler.finish(job, s.handler.load(job))
		}
		s.startWrite(c, resp)
	case stateLoad:
		if ev.Closed {
			s.teardown(c)
		}
	case stateWrite:
		if !ev.Writable {
			if ev.Closed {
				s.teardown(c)
			}
			return
		}
		done, err := c.writeResponse()
		if err != nil {
			// mid-write failure: no peer left to answer, just tear down
			s.log.Debug().Err(err).Uint64("conn", c.id).Msg("Response write failed")
			s.teardown(c)
			return
		}
		if done {
			s.metrics.Responses.Add(1)
			s.teardown(c)
		}
	}
}

// deliverLoads hands finished loader results back to their connections.
// Cache writes happen here, on the reactor thread.
func (s *Server) deliverLoads() {
	if s.pool == nil {
		return
	}
	for _, d := range s.pool.drain() {
		c, ok := s.conns[d.job.connID]
		if !ok {
			// connection died while the load was in flight
			continue
		}
		s.startWrite(c, s.handler.finish(d.job, d.res))
	}
}

func (s *Server) startWrite(c *conn, resp []byte) {
	c.resp = resp
	c.state = stateWrite
	if err := s.poller.Reregister(c.fd, c.id, Writable); err != nil {
		s.teardown(c)
	}
}

func (s *Server) teardown(c *conn) {
	if err := s.poller.Deregister(c.fd); err != nil {
		s.log.Debug().Err(err).Uint64("conn", c.id).Msg("Deregister failed")
	}
	unix.Close(c.fd)
	delete(s.conns, c.id)
}
