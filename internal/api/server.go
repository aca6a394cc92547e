// Package api provides the HTTP server for BizCoin.
// It exposes wallets, the transaction log, award/spend operations,
// milestone management and the live event feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/app/ledger"
	"github.com/bizcoin/bizcoin/internal/app/milestone"
	"github.com/bizcoin/bizcoin/internal/domain"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// writeTimeout bounds a single write request.
const writeTimeout = 30 * time.Second

// Server is the BizCoin HTTP API server.
type Server struct {
	ledger         *ledger.Service
	milestones     *milestone.Service
	hub            *Hub
	limiter        *IPRateLimiter
	allowedOrigins []string
	metricsEnabled bool
	log            *zap.Logger
}

// NewServer creates a new API server.
func NewServer(ledgerSvc *ledger.Service, milestones *milestone.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ledger:         ledgerSvc,
		milestones:     milestones,
		allowedOrigins: []string{"*"},
		log:            log.Named("api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHub sets the live event hub.
func (s *Server) SetHub(h *Hub) { s.hub = h }

// Hub returns the live event hub (for registering as a sink).
func (s *Server) Hub() *Hub { return s.hub }

// SetRateLimiter limits write routes per client IP.
func (s *Server) SetRateLimiter(l *IPRateLimiter) { s.limiter = l }

// SetAllowedOrigins sets the CORS allow-list.
func (s *Server) SetAllowedOrigins(origins []string) {
	if len(origins) > 0 {
		s.allowedOrigins = origins
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/classrooms/{classroomID}", func(r chi.Router) {
			r.Route("/students/{studentID}", func(r chi.Router) {
				r.Get("/wallet", s.handleWallet)
				r.Get("/transactions", s.handleTransactions)
				r.Get("/audit", s.handleAudit)

				r.Group(func(r chi.Router) {
					r.Use(s.limitWrites, middleware.Timeout(writeTimeout))
					r.Post("/award", s.handleAward)
					r.Post("/earn", s.handleEarn)
					r.Post("/spend", s.handleSpend)
					r.Post("/penalize", s.handlePenalize)
				})
			})

			r.With(s.limitWrites, middleware.Timeout(writeTimeout)).Post("/award-many", s.handleAwardMany)
			r.Get("/leaderboard", s.handleLeaderboard)

			if s.milestones != nil {
				r.Get("/milestones", s.handleListMilestones)
				r.With(s.limitWrites).Post("/milestones", s.handleCreateMilestone)
			}
		})

		if s.milestones != nil {
			r.Get("/milestones/{milestoneID}", s.handleGetMilestone)
			r.With(s.limitWrites).Delete("/milestones/{milestoneID}", s.handleDeleteMilestone)
		}

		// Live feeds stay open; no request timeout.
		if s.hub != nil {
			r.Get("/events/live", s.hub.HandleSSE)
			r.Get("/events/ws", s.hub.HandleWS)
		}
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})

	return r
}

// limitWrites applies the rate limiter when one is configured.
func (s *Server) limitWrites(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeDomainError maps a domain error to its HTTP status.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": map[string]interface{}{
				"message":   err.Error(),
				"type":      "insufficient_balance",
				"balance":   insufficient.Balance,
				"requested": insufficient.Requested,
			},
		})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrStorage):
		writeError(w, http.StatusServiceUnavailable, "storage_error", "storage unavailable, retry later")
	default:
		s.log.Error("unclassified error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
