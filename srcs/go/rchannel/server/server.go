package server

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/connection"
)

// Server accepts connections on one endpoint and hands each upgraded
// connection to its handler on a dedicated goroutine.
type Server struct {
	addr     plan.Addr
	listener net.Listener
	handler  connection.Handler
	token    uint32
	log      *log.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New(addr plan.Addr, token uint32, handler connection.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:    addr,
		handler: handler,
		token:   token,
		log:     logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

func fileExists(filename string) (bool, time.Duration) {
	info, err := os.Stat(filename)
	if err != nil {
		return false, 0
	}
	return true, time.Since(info.ModTime())
}

func (s *Server) Listen() error {
	if s.addr.Network == plan.Unix {
		if ok, age := fileExists(s.addr.Address); ok {
			s.log.Warnf("%s already exists for %s, trying to remove", s.addr.Address, age)
			if err := os.Remove(s.addr.Address); err != nil {
				return err
			}
		}
	}
	listener, err := net.Listen(s.addr.Network, s.addr.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Debugf("listening: %s", s.Addr())
	return nil
}

// Addr returns the bound address, with an OS-assigned port resolved.
func (s *Server) Addr() plan.Addr {
	if s.listener == nil {
		return s.addr
	}
	return plan.FromNetAddr(s.listener.Addr())
}

func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve()
	}()
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if connection.IsNetClosingErr(err) {
				break
			}
			s.log.Infof("Accept failed: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(tcpConn net.Conn) {
	defer tcpConn.Close()
	conn, err := connection.UpgradeFrom(tcpConn, s.token)
	if err != nil {
		s.log.Warnf("rejected connection from %s: %v", tcpConn.RemoteAddr(), err)
		return
	}
	if n, err := s.handler.Handle(conn); err != nil {
		s.log.Warnf("handle conn err: %v after handled %d messages", err, n)
	}
}

// Close stops accepting, closes live connections and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	if s.addr.Network == plan.Unix {
		os.Remove(s.addr.Address)
	}
	s.log.Debugf("server %s closed", s.addr)
}
