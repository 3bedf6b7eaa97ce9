package smtp

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds everything the server needs to bind a port and greet
// clients. Only Host, Port and Name are wire-visible;
// MaxLineLength, MaxMessageBytes and IdleTimeout are local resource
// limits the tested contract leaves to the implementer.
type Config struct {
	Host string
	Port int
	Name string

	// MaxLineLength caps a command-mode line, RFC 5321 4.5.3.1. Zero
	// means DefaultMaxLineLength.
	MaxLineLength int
	// MaxMessageBytes caps a DATA body; zero means unlimited.
	MaxMessageBytes int
	// IdleTimeout bounds how long a session may go without input before
	// the connection is dropped. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Sink receives every completed envelope. Nil means every envelope
	// is discarded.
	Sink Sink

	// Logger receives structured session/listener log output. Defaults
	// to logrus.StandardLogger().
	Logger *logrus.Logger
}

// Documented configuration defaults.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 1025
	DefaultName          = "test"
	DefaultMaxLineLength = 1000
	DefaultIdleTimeout   = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = DefaultMaxLineLength
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sink == nil {
		c.Sink = DiscardSink{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Server binds a TCP port and spawns one independent Session per accepted
// connection. No session blocks another; sessions share no mutable state
// except Config.Sink.
type Server struct {
	config Config
	logger *logrus.Entry
}

// NewServer builds a Server from config, filling in documented defaults
// for any zero field.
func NewServer(config Config) *Server {
	config = config.withDefaults()
	return &Server{
		config: config,
		logger: config.Logger.WithField("component", "smtp"),
	}
}

// ListenAndServe binds config.Host:config.Port and serves until Accept
// fails.
func (srv *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", srv.config.Host, srv.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: listen %s: %w", addr, err)
	}
	srv.logger.WithField("addr", addr).Info("listening")
	return srv.Serve(ln)
}

// Serve accepts connections from ln until it returns a non-temporary
// error, spawning one goroutine per connection. It never holds a lock
// across Accept or across a session's I/O.
func (srv *Server) Serve(ln net.Listener) error {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				srv.logger.WithError(err).Warn("temporary accept error")
				continue
			}
			return err
		}
		session := newSession(srv, conn)
		go session.serve()
	}
}
