// Package server runs the PeSIT listeners: the TCP/TLS accept loops,
// the per-connection session workers and the supervisor that owns the
// set of named listeners across restarts and leadership changes.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/pkg/audit"
	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/journal"
	"github.com/pesit-go/pesitd/pkg/metrics"
	"github.com/pesit-go/pesitd/pkg/secrets"
)

// ErrPortInUse is returned when the listener's port is already bound.
var ErrPortInUse = errors.New("server: PORT_IN_USE")

// Deps are the process-wide collaborators shared by all listeners.
type Deps struct {
	Journal journal.Journal
	Audit   audit.Sink
	Secrets secrets.Service
	Store   *config.Store
	Metrics metrics.PesitMetrics
	NodeID  string
}

// Listener is one bound PeSIT server instance. Create with
// NewListener, bind with Listen, run with Serve, stop with Stop.
type Listener struct {
	cfg  config.ListenerConfig
	deps Deps

	shutdownTimeout time.Duration

	listenerMu sync.Mutex
	listener   net.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once

	// shutdownCtx is cancelled when shutdown starts so session workers
	// abandon in-flight work.
	shutdownCtx    context.Context
	cancelSessions context.CancelFunc

	activeConns sync.WaitGroup
	connCount   atomic.Int32

	// activeConnections tracks live sockets by remote address for
	// read interruption and force closure during shutdown.
	activeConnections sync.Map

	connSemaphore chan struct{}
}

// NewListener creates a listener for the given configuration.
func NewListener(cfg config.ListenerConfig, deps Deps, shutdownTimeout time.Duration) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:             cfg,
		deps:            deps,
		shutdownTimeout: shutdownTimeout,
		shutdown:        make(chan struct{}),
		shutdownCtx:     ctx,
		cancelSessions:  cancel,
	}
	if cfg.MaxConnections > 0 {
		l.connSemaphore = make(chan struct{}, cfg.MaxConnections)
	}
	return l
}

// ServerID returns the listener's configured identifier.
func (l *Listener) ServerID() string { return l.cfg.ServerID }

// Listen binds the port. Split from Serve so the caller gets bind
// failures, PORT_IN_USE in particular, synchronously.
func (l *Listener) Listen() error {
	addr := fmt.Sprintf("%s:%d", l.cfg.BindAddress, l.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use") {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	if l.cfg.TLS.Enabled {
		tlsCfg, err := l.tlsConfig()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	l.listenerMu.Lock()
	l.listener = ln
	l.listenerMu.Unlock()
	return nil
}

// tlsConfig builds the TLS settings: the server certificate, no
// weaker-than-1.2 negotiation, and client chain verification when
// mutual auth is on.
func (l *Listener) tlsConfig() (*tls.Config, error) {
	cert, err := loadServerCertificate(l.cfg.TLS, l.deps.Secrets)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if l.cfg.TLS.ClientAuth {
		pool, err := loadTrustPool(l.cfg.TLS.TrustFile)
		if err != nil {
			return nil, fmt.Errorf("load trust store: %w", err)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Serve accepts connections until shutdown. Listen must have been
// called first.
func (l *Listener) Serve(ctx context.Context) error {
	l.listenerMu.Lock()
	ln := l.listener
	l.listenerMu.Unlock()
	if ln == nil {
		return errors.New("server: Serve before Listen")
	}

	logger.Info("listener serving",
		logger.KeyServer, l.cfg.ServerID,
		"port", l.cfg.Port,
		"tls", l.cfg.TLS.Enabled,
		"max_connections", l.cfg.MaxConnections,
	)

	go func() {
		<-ctx.Done()
		l.initiateShutdown()
	}()

	for {
		if l.connSemaphore != nil {
			select {
			case l.connSemaphore <- struct{}{}:
			case <-l.shutdown:
				return l.gracefulShutdown()
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if l.connSemaphore != nil {
				<-l.connSemaphore
			}
			select {
			case <-l.shutdown:
				return l.gracefulShutdown()
			default:
				logger.Debug("accept error", logger.KeyServer, l.cfg.ServerID, logger.KeyError, err)
				continue
			}
		}

		l.activeConns.Add(1)
		current := l.connCount.Add(1)

		addr := conn.RemoteAddr().String()
		l.activeConnections.Store(addr, conn)

		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordConnectionAccepted(l.cfg.ServerID)
			l.deps.Metrics.SetActiveConnections(l.cfg.ServerID, int(current))
		}
		logger.Debug("connection accepted",
			logger.KeyServer, l.cfg.ServerID,
			logger.KeyRemote, addr,
			"active", current,
		)

		go func(addr string, conn net.Conn) {
			defer func() {
				l.activeConnections.Delete(addr)
				l.activeConns.Done()
				remaining := l.connCount.Add(-1)
				if l.connSemaphore != nil {
					<-l.connSemaphore
				}
				if l.deps.Metrics != nil {
					l.deps.Metrics.RecordConnectionClosed(l.cfg.ServerID)
					l.deps.Metrics.SetActiveConnections(l.cfg.ServerID, int(remaining))
				}
				logger.Debug("connection closed",
					logger.KeyServer, l.cfg.ServerID,
					logger.KeyRemote, addr,
					"active", remaining,
				)
			}()
			l.handleConn(l.shutdownCtx, conn)
		}(addr, conn)
	}
}

// initiateShutdown closes the accept path, interrupts blocked reads
// and cancels in-flight session contexts. Safe to call repeatedly.
func (l *Listener) initiateShutdown() {
	l.shutdownOnce.Do(func() {
		logger.Debug("listener shutdown initiated", logger.KeyServer, l.cfg.ServerID)
		close(l.shutdown)

		l.listenerMu.Lock()
		if l.listener != nil {
			if err := l.listener.Close(); err != nil {
				logger.Debug("close listener", logger.KeyServer, l.cfg.ServerID, logger.KeyError, err)
			}
		}
		l.listenerMu.Unlock()

		l.interruptBlockingReads()
		l.cancelSessions()
	})
}

// interruptBlockingReads sets a near deadline on every live socket so
// session loops notice the shutdown instead of sitting in a read for
// the full read timeout.
func (l *Listener) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)
	l.activeConnections.Range(func(key, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			if err := conn.SetReadDeadline(deadline); err != nil {
				logger.Debug("set shutdown deadline",
					logger.KeyRemote, key, logger.KeyError, err)
			}
		}
		return true
	})
}

// gracefulShutdown waits for workers to drain, force-closing whatever
// remains past the timeout. Interrupted transfers were already marked
// by their own workers on disconnect.
func (l *Listener) gracefulShutdown() error {
	active := l.connCount.Load()
	logger.Info("listener draining",
		logger.KeyServer, l.cfg.ServerID,
		"active", active,
		"timeout", l.shutdownTimeout,
	)

	done := make(chan struct{})
	go func() {
		l.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("listener stopped", logger.KeyServer, l.cfg.ServerID)
		return nil
	case <-time.After(l.shutdownTimeout):
		remaining := l.connCount.Load()
		logger.Warn("listener drain timeout, forcing closure",
			logger.KeyServer, l.cfg.ServerID,
			"active", remaining,
		)
		l.forceCloseConnections()
		return fmt.Errorf("listener %s: %d connections force-closed", l.cfg.ServerID, remaining)
	}
}

func (l *Listener) forceCloseConnections() {
	l.activeConnections.Range(func(key, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			if err := conn.Close(); err != nil {
				logger.Debug("force close", logger.KeyRemote, key, logger.KeyError, err)
			}
		}
		return true
	})
}

// Stop initiates shutdown and waits for the drain.
func (l *Listener) Stop(ctx context.Context) error {
	l.initiateShutdown()

	done := make(chan struct{})
	go func() {
		l.activeConns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.forceCloseConnections()
		return ctx.Err()
	}
}

// ActiveConnections returns the number of live sessions.
func (l *Listener) ActiveConnections() int {
	return int(l.connCount.Load())
}

// Addr returns the bound address, or "" before Listen.
func (l *Listener) Addr() string {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}
