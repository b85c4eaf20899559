package kernel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// errorCodes maps kernel errors to their wire codes.
var errorCodes = map[error]string{
	ErrSessionNotFound:     "session_not_found",
	ErrTransactionNotFound: "transaction_not_found",
	ErrTransactionClosed:   "transaction_closed",
	ErrInvalidLineItem:     "invalid_line_item",
	ErrInsufficientTender:  "insufficient_tender",
	ErrInvalidRequest:      "invalid_request",
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type createSessionRequest struct {
	TerminalID string `json:"terminal_id"`
}

type startTransactionRequest struct {
	Currency string `json:"currency"`
}

type idResponse struct {
	ID string `json:"id"`
}

// paymentResponse carries a rejected payment's details alongside the error.
type paymentResponse struct {
	Result  *PaymentResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Server exposes a Client over HTTP.
type Server struct {
	kernel Client
	logger *zap.Logger
}

// HandlerOption configures the HTTP handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger *zap.Logger
	mounts map[string]http.Handler
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(c *handlerConfig) {
		c.logger = logger
	}
}

// WithMount mounts an extra handler (for example /metrics).
func WithMount(pattern string, h http.Handler) HandlerOption {
	return func(c *handlerConfig) {
		c.mounts[pattern] = h
	}
}

// NewHandler creates the HTTP handler for a kernel.
func NewHandler(k Client, opts ...HandlerOption) http.Handler {
	cfg := &handlerConfig{logger: zap.NewNop(), mounts: map[string]http.Handler{}}
	for _, opt := range opts {
		opt(cfg)
	}
	s := &Server{kernel: k, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/sessions", s.createSession)
	r.Route("/sessions/{sid}", func(r chi.Router) {
		r.Delete("/", s.closeSession)
		r.Post("/transactions", s.startTransaction)
		r.Route("/transactions/{tid}", func(r chi.Router) {
			r.Get("/", s.getTransaction)
			r.Post("/lines", s.addLineItem)
			r.Post("/payments", s.processPayment)
		})
	})
	for pattern, h := range cfg.mounts {
		r.Handle(pattern, h)
	}
	return r
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, err)
		return
	}
	id, err := s.kernel.CreateSession(r.Context(), body.TerminalID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.CloseSession(r.Context(), chi.URLParam(r, "sid")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startTransaction(w http.ResponseWriter, r *http.Request) {
	var body startTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, err)
		return
	}
	id, err := s.kernel.StartTransaction(r.Context(), chi.URLParam(r, "sid"), body.Currency)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	snap, err := s.kernel.GetTransaction(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "tid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusOK, snap)
}

func (s *Server) addLineItem(w http.ResponseWriter, r *http.Request) {
	var body AddLineItemRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, err)
		return
	}
	line, err := s.kernel.AddLineItem(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "tid"), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusCreated, line)
}

func (s *Server) processPayment(w http.ResponseWriter, r *http.Request) {
	var body PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.kernel.ProcessPayment(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "tid"), body)
	if err != nil {
		status, code := classify(err)
		s.write(w, status, paymentResponse{Result: res, Error: code, Message: err.Error()})
		return
	}
	s.write(w, http.StatusOK, paymentResponse{Result: res})
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.write(w, http.StatusBadRequest, errorBody{Error: errorCodes[ErrInvalidRequest], Message: err.Error()})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("kernel request failed", zap.Error(err))
	}
	s.write(w, status, errorBody{Error: code, Message: err.Error()})
}

func (s *Server) write(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("kernel response encode failed", zap.Error(err))
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, errorCodes[ErrSessionNotFound]
	case errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, errorCodes[ErrTransactionNotFound]
	case errors.Is(err, ErrTransactionClosed):
		return http.StatusConflict, errorCodes[ErrTransactionClosed]
	case errors.Is(err, ErrInvalidLineItem):
		return http.StatusUnprocessableEntity, errorCodes[ErrInvalidLineItem]
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorCodes[ErrInvalidRequest]
	case errors.Is(err, ErrInsufficientTender):
		return http.StatusPaymentRequired, errorCodes[ErrInsufficientTender]
	default:
		return http.StatusInternalServerError, "internal"
	}
}
