package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/ipprov/pkg/logging"
	"github.com/psaab/ipprov/pkg/session"
)

// SessionSource is the view of the session layer the API serves from.
type SessionSource interface {
	Session(iface string) *session.Session
	Sessions() []*session.Session
}

// Config configures the API server.
type Config struct {
	Addr      string
	HTTPSAddr string      // HTTPS listen address (empty = no HTTPS)
	TLS       bool        // enable HTTPS with auto-generated certificate
	Auth      *AuthConfig // nil = no authentication
	Sessions  SessionSource
	EventBuf  *logging.EventBuffer
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	mgr         SessionSource
	eventBuf    *logging.EventBuffer
	startTime   time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		mgr:       cfg.Sessions,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/interfaces", s.interfacesHandler)
	mux.HandleFunc("GET /api/v1/leases", s.leasesHandler)
	mux.HandleFunc("GET /api/v1/prefixes", s.prefixesHandler)
	mux.HandleFunc("GET /api/v1/neighbors", s.neighborsHandler)
	mux.HandleFunc("GET /api/v1/counters", s.countersHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)

	// Mutations
	mux.HandleFunc("POST /api/v1/sessions/start", s.startSessionHandler)
	mux.HandleFunc("POST /api/v1/sessions/stop", s.stopSessionHandler)
	mux.HandleFunc("POST /api/v1/sessions/confirm", s.confirmHandler)
	mux.HandleFunc("POST /api/v1/sessions/l2", s.l2UpdateHandler)
	mux.HandleFunc("POST /api/v1/sessions/multicast-filter", s.multicastFilterHandler)
	mux.HandleFunc("POST /api/v1/sessions/preconnect-complete", s.preconnectCompleteHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	// Set up HTTPS server with auto-generated self-signed certificate
	if cfg.TLS && cfg.HTTPSAddr != "" {
		tlsCert, err := generateSelfSignedCert()
		if err != nil {
			slog.Warn("failed to generate self-signed certificate", "err", err)
		} else {
			s.httpsServer = &http.Server{
				Addr:    cfg.HTTPSAddr,
				Handler: handler,
				TLSConfig: &tls.Config{
					Certificates: []tls.Certificate{tlsCert},
					MinVersion:   tls.VersionTLS12,
				},
			}
		}
	}

	return s
}

// Run starts the HTTP (and optionally HTTPS) server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Start HTTPS server if configured
	if s.httpsServer != nil {
		go func() {
			slog.Info("HTTPS API server listening", "addr", s.httpsServer.Addr)
			if err := s.httpsServer.ListenAndServeTLS("", ""); err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpsServer != nil {
		s.httpsServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

const (
	certPath = "/etc/ipprov/tls/cert.pem"
	keyPath  = "/etc/ipprov/tls/key.pem"
)

// generateSelfSignedCert creates or loads a self-signed TLS certificate.
// If cert/key files exist on disk, they are loaded. Otherwise, a new
// ECDSA P-256 certificate is generated and persisted for reuse across restarts.
func generateSelfSignedCert() (tls.Certificate, error) {
	// Try loading existing cert
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	// Generate new ECDSA key
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ipprov"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"ipprov"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour), // 10 years
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// Persist for reuse across restarts
	os.MkdirAll("/etc/ipprov/tls", 0700)
	os.WriteFile(certPath, certPEM, 0644)
	os.WriteFile(keyPath, keyPEM, 0600)

	return tls.X509KeyPair(certPEM, keyPEM)
}
