package verifyhandler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-biometric-signer/api"
	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/metrics"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Verifier checks a signature against an encoded public key.
type Verifier interface {
	Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool

func (f VerifierFunc) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	return f(publicKey, payload, signature)
}

// DefaultVerifier verifies with the stateless scheme implementations.
var DefaultVerifier Verifier = VerifierFunc(cryptoutils.Verify)

// Handler serves public signature verification. It holds no keys: anyone
// with a public key, a payload and a signature can check them.
type Handler struct {
	verifier Verifier
	limiter  *RateLimiter
	metrics  *metrics.VerifyMetrics
	log      *slog.Logger
	now      func() time.Time
}

// NewHandler creates a verify handler. A nil verifier means DefaultVerifier.
func NewHandler(verifier Verifier, log *slog.Logger) *Handler {
	if verifier == nil {
		verifier = DefaultVerifier
	}
	return &Handler{
		verifier: verifier,
		log:      log,
		now:      time.Now,
	}
}

// WithRateLimiter limits requests per client IP.
func (h *Handler) WithRateLimiter(l *RateLimiter) *Handler {
	h.limiter = l
	return h
}

// WithMetrics counts requests by result.
func (h *Handler) WithMetrics(m *metrics.VerifyMetrics) *Handler {
	h.metrics = m
	return h
}

// RegisterRoutes registers:
//   - POST /api/public/verify - verify a signature
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/public/verify", h.HandleVerify)
}

// HandleVerify checks the signature in a JSON-encoded api.VerifyRequest.
//
// Status codes:
//   - 200 OK: api.VerifyResponse, valid or not
//   - 400 Bad Request: malformed body, public key or signature encoding
//   - 429 Too Many Requests: client exceeded its rate limit
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientIP(r), h.now()) {
		h.metrics.Observe(metrics.VerifyRateLimited)
		h.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}

	var req api.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.log.Debug("Invalid verify request body", "err", err)
		h.badRequest(w, errors.New("invalid request body"))
		return
	}

	if req.PublicKey == "" || req.Signature == "" {
		h.badRequest(w, errors.New("public_key and signature are required"))
		return
	}

	if _, _, err := cryptoutils.DecodePublicKey(req.PublicKey); err != nil {
		h.badRequest(w, errors.New("invalid public key encoding"))
		return
	}

	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		h.badRequest(w, errors.New("invalid signature encoding"))
		return
	}

	valid := h.verifier.Verify(req.PublicKey, []byte(req.Payload), signature)
	if valid {
		h.metrics.Observe(metrics.VerifyValid)
	} else {
		h.metrics.Observe(metrics.VerifyInvalid)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.VerifyResponse{Valid: valid}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	h.metrics.Observe(metrics.VerifyBadRequest)
	h.writeError(w, http.StatusBadRequest, err)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: err.Error()})
}
