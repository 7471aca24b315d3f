// Package health exposes a minimal HTTP endpoint for liveness probes.
package health

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// Report is the payload served on /health. Snapshot returns a fresh one per
// request.
type Report struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	AccountsTotal  int    `json:"accounts_total"`
	AccountsOnline int    `json:"accounts_online"`
}

// Server serves GET /health on a dedicated listener.
type Server struct {
	Snapshot func() Report

	ln  net.Listener
	srv *fasthttp.Server
	log *slog.Logger
}

// Start binds addr and serves in the background. A bind failure is returned
// synchronously so startup can abort.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health endpoint bind %s: %w", addr, err)
	}
	s.ln = ln
	s.log = slog.Default().With("context", "Health")
	s.srv = &fasthttp.Server{
		Handler:               s.handle,
		NoDefaultServerHeader: true,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil {
			s.log.Error("health server stopped", "error", err)
		}
	}()
	s.log.Info("health endpoint listening", "address", addr)
	return nil
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) != "/health" || !ctx.IsGet() {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	report := Report{Status: "ok"}
	if s.Snapshot != nil {
		report = s.Snapshot()
	}
	body, err := sonic.Marshal(report)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// Stop closes the listener.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}
