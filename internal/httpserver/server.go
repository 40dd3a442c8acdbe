// Package httpserver exposes the local status endpoint summarizing Agent
// Control and per-sub-agent health.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// AgentStatus is the reported health of one component.
type AgentStatus struct {
	Healthy   bool   `json:"healthy"`
	Status    string `json:"status,omitempty"`
	LastError string `json:"last_error,omitempty"`
	StartTime string `json:"start_time,omitempty"`
}

// Status is the JSON document served on GET /status.
type Status struct {
	AgentControl AgentStatus            `json:"agent_control"`
	SubAgents    map[string]AgentStatus `json:"sub_agents"`
}

// Provider returns the current status snapshot. It is called on the HTTP
// serving goroutine and must not block.
type Provider func() Status

// Server binds the local status endpoint. Bind failures are fatal at
// startup.
type Server struct {
	addr     string
	provider Provider
	log      *logrus.Entry
	server   *http.Server
}

func New(addr string, provider Provider, log *logrus.Entry) *Server {
	return &Server{addr: addr, provider: provider, log: log}
}

// Start binds and serves. The listener must come up within startupTimeout.
func (s *Server) Start(startupTimeout time.Duration) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding status endpoint on %q: %w", s.addr, err)
	}
	s.addr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.provider()); err != nil {
			s.log.WithError(err).Error("Encoding status response failed")
		}
	})

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: startupTimeout,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Status endpoint stopped")
		}
	}()
	s.log.WithField("addr", listener.Addr().String()).Info("Status endpoint listening")
	return nil
}

// Addr returns the bound address, once started.
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
