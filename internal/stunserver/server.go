// Package stunserver embeds a small STUN server so two peers on networks
// without a reachable public STUN service can still discover their
// server-reflexive addresses.
package stunserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/peercall/internal/config"
)

// Server wraps a pion STUN/TURN server restricted to STUN binding traffic.
type Server struct {
	log *zap.Logger
	cfg config.STUNConfig

	mu      sync.RWMutex
	srv     *turn.Server
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a server from config. Call Start to begin serving.
func New(cfg config.STUNConfig, log *zap.Logger) *Server {
	return &Server{
		log: log.Named("stun"),
		cfg: cfg,
	}
}

// Start binds the listeners and begins serving. Multiple UDP listeners
// share the port via SO_REUSEPORT so the kernel load-balances packets
// across them per 5-tuple.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("stun server already running")
	}

	ctx, cancel := context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	threads := s.cfg.ThreadNum
	if threads < 1 {
		threads = 1
	}

	packetConnConfigs := make([]turn.PacketConnConfig, 0, threads)
	for i := 0; i < threads; i++ {
		conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			for _, pc := range packetConnConfigs {
				pc.PacketConn.Close()
			}
			cancel()
			return fmt.Errorf("listen udp %s: %w", addr, err)
		}
		packetConnConfigs = append(packetConnConfigs, turn.PacketConnConfig{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorNone{
				Address: "0.0.0.0",
			},
		})
		s.log.Info("listener bound",
			zap.Int("n", i),
			zap.String("addr", conn.LocalAddr().String()))
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		// No AuthHandler users: allocations are refused, only STUN binding
		// requests are answered.
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			return nil, false
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		for _, pc := range packetConnConfigs {
			pc.PacketConn.Close()
		}
		cancel()
		return fmt.Errorf("create stun server: %w", err)
	}

	s.srv = srv
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	go s.watch(ctx)

	s.log.Info("stun server started", zap.Int("port", s.cfg.Port), zap.Int("listeners", threads))
	return nil
}

func (s *Server) watch(ctx context.Context) {
	defer close(s.done)
	<-ctx.Done()
}

// Stop shuts the server down. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	if err := s.srv.Close(); err != nil {
		return fmt.Errorf("close stun server: %w", err)
	}
	s.running = false

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for stun server shutdown")
	}

	s.log.Info("stun server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// URL returns the stun: URL clients should put in their ICE server list.
func (s *Server) URL() string {
	host := s.cfg.PublicIP
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("stun:%s:%d", host, s.cfg.Port)
}
