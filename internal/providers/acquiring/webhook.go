package acquiring

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paymentledger/internal/common/api"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body
const SignatureHeader = "X-Acquirer-Signature"

// WebhookHandler receives acquirer notifications over HTTP, for acquirers
// that call back instead of publishing to NATS. The notification type is
// the {type} path parameter.
type WebhookHandler struct {
	adapter *Adapter
	secret  []byte
	logger  *slog.Logger
}

// NewWebhookHandler creates a new acquirer webhook handler
func NewWebhookHandler(adapter *Adapter, secret string, logger *slog.Logger) *WebhookHandler {
	h := &WebhookHandler{adapter: adapter, logger: logger}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

// Routes returns the webhook routes
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{type}", h.ServeHTTP)
	return r
}

// ServeHTTP handles one webhook delivery
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("acquirer webhook signature mismatch", "remote_addr", r.RemoteAddr)
		api.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid signature")
		return
	}

	notificationType := chi.URLParam(r, "type")
	if err := h.adapter.Forward(r.Context(), notificationType, body); err != nil {
		if errors.Is(err, ErrInvalidNotification) {
			h.logger.Warn("rejected acquirer webhook", "type", notificationType, "error", err)
			api.BadRequest(w, err.Error())
			return
		}
		// the acquirer retries non-2xx deliveries
		h.logger.Error("failed to forward acquirer webhook", "type", notificationType, "error", err)
		api.ServiceUnavailable(w, "notification not accepted, retry later")
		return
	}

	api.WriteData(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if h.secret == nil {
		return true
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body. Acquirer simulators and
// tests use it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
