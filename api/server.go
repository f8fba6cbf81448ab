package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/AEgurcan/signaltrader/pkg/trader"
)

// Server exposes the control surface the dashboard backend calls:
// health, per-user positions and fills, and scheduler start/stop. Every
// authenticated route expects a bearer token issued by the external auth
// service; this server only verifies.
type Server struct {
	service    *trader.Service
	logger     *logrus.Logger
	port       string
	authSecret []byte
}

func NewServer(service *trader.Service, logger *logrus.Logger, port, authSecret string) *Server {
	return &Server{
		service:    service,
		logger:     logger,
		port:       port,
		authSecret: []byte(authSecret),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/positions", s.authenticated(s.handlePositions))
	mux.HandleFunc("/api/fills", s.authenticated(s.handleFills))
	mux.HandleFunc("/api/scheduler/status", s.authenticated(s.handleStatus))
	mux.HandleFunc("/api/scheduler/start", s.authenticated(s.handleStart))
	mux.HandleFunc("/api/scheduler/stop", s.authenticated(s.handleStop))

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, s.Handler())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID int64)

// authenticated verifies the HS256 bearer token and resolves the user id
// from its subject claim.
func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifyToken(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) verifyToken(r *http.Request) (int64, error) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return 0, errors.New("missing bearer token")
	}

	token, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.authSecret, nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("invalid token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return 0, fmt.Errorf("token subject: %w", err)
	}
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token subject %q is not a user id", subject)
	}
	return userID, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	positions, ok := s.service.Positions(userID)
	if !ok {
		http.Error(w, "No active session for user", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fills, ok := s.service.Fills(userID)
	if !ok {
		http.Error(w, "No active session for user", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.Status(userID))
}

type startRequest struct {
	APIKey        string   `json:"api_key"`
	APISecret     string   `json:"api_secret"`
	Symbols       []string `json:"symbols"`
	TradeSizeUSDT float64  `json:"trade_size_usdt"`
	FixedQuantity float64  `json:"fixed_quantity"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.APIKey == "" || req.APISecret == "" {
		http.Error(w, "api_key and api_secret are required", http.StatusBadRequest)
		return
	}

	params := trader.UserParams{
		Credentials: trader.Credentials{APIKey: req.APIKey, APISecret: req.APISecret},
		Symbols:     req.Symbols,
		Size:        trader.SizeSpec{Notional: req.TradeSizeUSDT, Quantity: req.FixedQuantity},
	}

	err := s.service.StartUser(userID, params)
	if errors.Is(err, trader.ErrAlreadyRunning) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to start trading session")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.service.StopUser(userID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
