package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// ErrSocketInUse means another live daemon is accepting on the
// configured socket path. Starting over it would split control of the
// same programs, so this is fatal at startup.
var ErrSocketInUse = errors.New("control socket already in use")

const probeTimeout = 500 * time.Millisecond

// UnixSocket describes the control socket to bind.
type UnixSocket struct {
	Path string
	Mode os.FileMode
	// Owner is a username; ownership is only applied when running as
	// root, otherwise it is logged and skipped.
	Owner string
}

// Server runs the control API over one or more listeners sharing a
// single http.Server, so one Close drains them all.
type Server struct {
	router *Router
	srv    *http.Server

	mu      sync.Mutex
	sockets []string
	closed  bool
}

// New builds a Server around the router options. Nothing listens until
// ServeUnix or ServeTCP is called.
func New(opts Options) *Server {
	r := NewRouter(opts)
	return &Server{
		router: r,
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Handler exposes the underlying control handler for embedding.
func (s *Server) Handler() http.Handler { return s.router.Handler() }

// ServeUnix probes, binds and serves the control socket. A socket file
// with a live daemon behind it returns ErrSocketInUse; a stale file is
// removed first.
func (s *Server) ServeUnix(sock UnixSocket) error {
	if sock.Path == "" {
		return errors.New("unix socket path required")
	}
	if err := clearStaleSocket(sock.Path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sock.Path), 0o750); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	ln, err := net.Listen("unix", sock.Path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", sock.Path, err)
	}
	if err := applySocketPerms(sock, s.router.log); err != nil {
		_ = ln.Close()
		return err
	}
	s.track(sock.Path)
	go func() { _ = s.srv.Serve(ln) }()
	return nil
}

// ServeTCP serves the control API on a TCP address, meant for loopback
// use. It returns the bound address, which differs from addr when the
// port was 0.
func (s *Server) ServeTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	go func() { _ = s.srv.Serve(ln) }()
	return ln.Addr(), nil
}

// Close drains in-flight requests and removes socket files.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sockets := append([]string(nil), s.sockets...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	for _, p := range sockets {
		_ = os.Remove(p)
	}
	return err
}

func (s *Server) track(socketPath string) {
	s.mu.Lock()
	s.sockets = append(s.sockets, socketPath)
	s.mu.Unlock()
}

// clearStaleSocket decides what a pre-existing socket file means: a
// dial that connects is a live daemon (fatal), anything else is a
// leftover from an unclean stop and gets removed.
func clearStaleSocket(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

func applySocketPerms(sock UnixSocket, log *slog.Logger) error {
	if err := os.Chmod(sock.Path, sock.Mode); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}
	if sock.Owner == "" {
		return nil
	}
	if runtime.GOOS == "windows" || os.Geteuid() != 0 {
		log.Warn("skipping socket owner change, not running as root", "owner", sock.Owner)
		return nil
	}
	u, err := user.Lookup(sock.Owner)
	if err != nil {
		return fmt.Errorf("socket owner %q: %w", sock.Owner, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("socket owner %q: non-numeric uid %q", sock.Owner, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("socket owner %q: non-numeric gid %q", sock.Owner, u.Gid)
	}
	if err := os.Chown(sock.Path, uid, gid); err != nil {
		return fmt.Errorf("chown socket: %w", err)
	}
	return nil
}
