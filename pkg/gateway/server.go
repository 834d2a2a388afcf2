package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/aibridge/wecomgw/pkg/cache"
	"github.com/aibridge/wecomgw/pkg/config"
	"github.com/aibridge/wecomgw/pkg/logger"
	"github.com/aibridge/wecomgw/pkg/relay"
	"github.com/aibridge/wecomgw/pkg/wecom"
)

// Server is the callback HTTP server that terminates the WeCom robot
// protocol and bridges it to the AI backend.
type Server struct {
	cfg       *config.Config
	envelope  *wecom.Envelope
	turns     *cache.TurnCache
	processed *cache.ProcessedSet
	relay     *relay.Relay
	server    *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates the callback server. The envelope, caches and relay
// are shared with the rest of the process.
func NewServer(cfg *config.Config, envelope *wecom.Envelope, turns *cache.TurnCache, processed *cache.ProcessedSet, relayer *relay.Relay) *Server {
	return &Server{
		cfg:       cfg,
		envelope:  envelope,
		turns:     turns,
		processed: processed,
		relay:     relayer,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback/{botid}", s.handleVerify)
	mux.HandleFunc("POST /callback/{botid}", s.handleCallback)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start begins listening for HTTP requests on the configured host:port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		logger.InfoCF("gateway", "HTTP server starting", map[string]any{"addr": addr})
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "HTTP server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// allow applies the per-bot callback rate limit. Unlimited when the
// configured rate is zero.
func (s *Server) allow(botID string) bool {
	perMinute := s.cfg.RateLimits.CallbacksPerMinute
	if perMinute <= 0 {
		return true
	}
	burst := s.cfg.RateLimits.Burst
	if burst <= 0 {
		burst = perMinute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[botID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
		s.limiters[botID] = lim
	}
	return lim.Allow()
}
