// Package smtpsrv implements the inbound SMTP side of the bridge: per-
// connection protocol state, command parsing, DATA-mode framing, and
// dispatch to the message assembler, sender policy, and ACS client.
package smtpsrv

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/acs"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/haproxy"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/log"
)

// Server accepts SMTP connections on a single address and hands each one to
// a Conn, bounding the number of simultaneously active sessions and
// supporting a graceful shutdown that drains in-flight sessions before the
// process exits.
type Server struct {
	Hostname string

	MaxDataSize    int64
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	ACSTimeout     time.Duration

	DefaultSender        string
	AllowedSenderDomains map[string]bool

	MaxConcurrentSessions int
	ShutdownTimeout       time.Duration

	// HAProxyEnabled expects every accepted connection to begin with a
	// HAProxy protocol v1 header, as used when the bridge sits behind a
	// TCP load balancer that would otherwise hide the real client
	// address.
	HAProxyEnabled bool

	Sender acs.Sender

	listener net.Listener
	sem      chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer returns a Server ready to have its exported fields set and then
// ListenAndServe called.
func NewServer() *Server {
	return &Server{
		MaxConcurrentSessions: 100,
		ShutdownTimeout:       30 * time.Second,
	}
}

// ListenAndServe binds addr and accepts connections until Shutdown is
// called or Accept returns an error. It blocks until the
// listener stops; callers typically run it in its own goroutine.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l. Same blocking contract as ListenAndServe.
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	s.sem = make(chan struct{}, s.MaxConcurrentSessions)
	s.shutdown = make(chan struct{})

	log.Infof("smtpsrv: listening on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				// Expected: Shutdown closed the listener.
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go s.handle(conn)
		default:
			// At capacity: reject immediately rather than queue, so the
			// client sees a prompt, honest failure instead of a stall.
			log.Infof("smtpsrv: rejecting %s, at capacity (%d)", conn.RemoteAddr(), s.MaxConcurrentSessions)
			writeResponse(conn, 421, "4.3.2 Too many concurrent sessions, try again later")
			conn.Close()
		}
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	if s.HAProxyEnabled {
		pc, err := newProxyConn(conn)
		if err != nil {
			log.Infof("smtpsrv: rejecting %s, bad HAProxy header: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
		conn = pc
	}

	c := NewConn(conn, s.Hostname, s.MaxDataSize,
		s.CommandTimeout, s.DataTimeout, s.ACSTimeout,
		s.DefaultSender, s.AllowedSenderDomains, s.Sender, s.shutdown)
	c.Handle()
}

// proxyConn wraps a net.Conn accepted behind a TCP load balancer, reporting
// the original client address the HAProxy protocol v1 header carried
// instead of the load balancer's own address.
type proxyConn struct {
	net.Conn
	reader *bufio.Reader
	src    net.Addr
}

func newProxyConn(c net.Conn) (*proxyConn, error) {
	r := bufio.NewReader(c)
	src, _, err := haproxy.Handshake(r)
	if err != nil {
		return nil, err
	}
	return &proxyConn{Conn: c, reader: r, src: src}, nil
}

func (p *proxyConn) Read(b []byte) (int, error) { return p.reader.Read(b) }
func (p *proxyConn) RemoteAddr() net.Addr        { return p.src }

// Shutdown stops accepting new connections and signals all active sessions
// to finish their current command and close. It blocks until every session
// has exited or until ShutdownTimeout elapses, whichever comes first.
func (s *Server) Shutdown() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infof("smtpsrv: all sessions drained")
	case <-time.After(s.ShutdownTimeout):
		log.Infof("smtpsrv: shutdown timeout elapsed with sessions still active")
	}
}
