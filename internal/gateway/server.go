package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/middleware"
	"github.com/gluk-w/webterm/internal/wire"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/ssh"
)

// Options configure a Server.
type Options struct {
	JWTSecret       string
	AuthDisabled    bool
	AllowedOrigins  []string
	DialTimeout     time.Duration
	KnownHostsPath  string
	TelnetLoginWait time.Duration
	RateLimit       int
	RateBurst       int
}

// OptionsFromConfig maps the gateway settings.
func OptionsFromConfig(c config.Settings) Options {
	return Options{
		JWTSecret:       c.JWTSecret,
		AuthDisabled:    c.AuthDisabled,
		AllowedOrigins:  c.AllowedOrigins,
		DialTimeout:     c.SSHDialTimeout,
		KnownHostsPath:  c.KnownHostsPath,
		TelnetLoginWait: c.TelnetLoginWait,
		RateLimit:       c.InputRateLimit,
		RateBurst:       c.InputRateBurst,
	}
}

// Server is the terminal gateway.
type Server struct {
	opts     Options
	hostKeys ssh.HostKeyCallback
	registry *prometheus.Registry
	metrics  *metrics
	router   chi.Router
}

// NewServer builds the router. It fails only when a configured known_hosts
// file cannot be loaded.
func NewServer(opts Options) (*Server, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 200
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = opts.RateLimit
	}

	hostKeys, err := hostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		opts:     opts,
		hostKeys: hostKeys,
		registry: reg,
		metrics:  newMetrics(reg),
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(opts.JWTSecret, opts.AuthDisabled))
		r.Get("/ws/terminal", s.channel(""))
		r.Get("/ws/ssh", s.channel(wire.ProtocolSSH))
	})

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler serving all gateway routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
