package snapshot

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// Handler turns a node report into the command sent back.
type Handler interface {
	HandleReport(ctx context.Context, r NodeReport) Command
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r NodeReport) Command

// HandleReport implements Handler.
func (f HandlerFunc) HandleReport(ctx context.Context, r NodeReport) Command { return f(ctx, r) }

// Server is the central's listener. Each node keeps one connection open and
// sends a report per sync interval.
type Server struct {
	handler Handler
	timeout time.Duration
	log     logger.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server. timeout bounds how long a silent node keeps
// its connection.
func NewServer(h Handler, timeout time.Duration, log logger.Logger) *Server {
	if log == nil {
		log = logger.Global().Module("snapshot")
	}
	return &Server{handler: h, timeout: timeout, log: log, conns: make(map[net.Conn]struct{})}
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New(err).
			Component("snapshot").
			Category(errors.CategoryNetwork).
			Context("listen", addr).
			Build()
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts nodes until ctx is done, then closes every connection and
// waits for the handlers.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.Newf("snapshot server not listening").
			Component("snapshot").
			Category(errors.CategoryState).
			Build()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", logger.Error(err))
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn answers reports until the node hangs up. Each report is handled
// under the trace id "<remote>/<n>", n counting reports on the connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	floor := -1
	for n := 1; ctx.Err() == nil; n++ {
		if s.timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(s.timeout))
		}
		v, err := ReadVector(conn, NodeWords)
		if err != nil {
			if !stderrors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Info("node connection closed", logger.String("remote", remote), logger.Int("floor", floor), logger.Error(err))
			}
			return
		}
		report, err := DecodeNodeReport(v)
		if err != nil {
			s.log.Warn("bad node vector", logger.String("remote", remote), logger.Error(err))
			return
		}
		if floor != report.Floor {
			floor = report.Floor
			s.log.Info("node connected", logger.String("remote", remote), logger.Int("floor", floor))
		}

		rctx := logger.WithTraceID(ctx, fmt.Sprintf("%s/%d", remote, n))
		cmd := s.handler.HandleReport(rctx, report)
		if err := WriteVector(conn, cmd.Encode(report.Floor == 0)); err != nil {
			s.log.WithContext(rctx).Info("reply failed", logger.Int("floor", floor), logger.Error(err))
			return
		}
	}
}
