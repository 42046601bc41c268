package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/auxothq/shoprelay/pkg/auth"
	"github.com/auxothq/shoprelay/pkg/shopify"
)

const maxBodyBytes = 64 << 10

// APIHandler serves the lookup endpoints used by the browser UI and /health.
//
//	POST /api/getProductByTitle  {"product_title": "..."}
//	POST /api/getOrderByName     {"order_name": "..."}
//	GET  /health
//
// Lookups answer 200 with the record or null, 400 on a bad body, and 500
// {"error": ...} when the store query fails.
type APIHandler struct {
	provider shopify.Provider
	verifier *auth.Verifier
	relay    *Relay // used by /health
	logger   *slog.Logger
}

// NewAPIHandler creates an API handler.
func NewAPIHandler(provider shopify.Provider, verifier *auth.Verifier, relay *Relay, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		provider: provider,
		verifier: verifier,
		relay:    relay,
		logger:   logger,
	}
}

func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/health" && method == http.MethodGet:
		h.handleHealth(w, r)

	case path == "/api/getProductByTitle" && method == http.MethodPost:
		if h.requireAuth(w, r) {
			h.handleProductByTitle(w, r)
		}

	case path == "/api/getOrderByName" && method == http.MethodPost:
		if h.requireAuth(w, r) {
			h.handleOrderByName(w, r)
		}

	case path == "/api/getProductByTitle", path == "/api/getOrderByName", path == "/health":
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")

	default:
		h.logger.Info("404 not found", "method", method, "path", path, "remote", r.RemoteAddr)
		writeErrorJSON(w, http.StatusNotFound, "endpoint not found")
	}
}

// requireAuth checks the Bearer token when a client key is configured.
func (h *APIHandler) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if !h.verifier.Enabled() {
		return true
	}
	key := extractBearerToken(r)
	if key == "" {
		writeErrorJSON(w, http.StatusUnauthorized, "missing Bearer token")
		return false
	}
	valid, err := h.verifier.Verify(key)
	if err != nil || !valid {
		writeErrorJSON(w, http.StatusUnauthorized, "invalid client key")
		return false
	}
	return true
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if h.relay != nil {
		active = h.relay.ActivePairs()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_pairs": active,
	})
}

func (h *APIHandler) handleProductByTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductTitle string `json:"product_title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProductTitle) == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	product, err := h.provider.ProductByTitle(r.Context(), req.ProductTitle)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (h *APIHandler) handleOrderByName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderName string `json:"order_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OrderName) == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	order, err := h.provider.OrderByName(r.Context(), req.OrderName)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// decodeBody parses a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// withCORS allows any origin to call the API, answering preflights directly.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if !strings.HasPrefix(v, prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
