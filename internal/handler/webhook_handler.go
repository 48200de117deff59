package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/webhook"
)

// WebhookProcessor はWebhookの購読検証とイベント受付を行うインターフェース。
// webhook.Processorが実装する。
type WebhookProcessor interface {
	Verify(mode, verifyToken, challenge string) (string, error)
	Accept(ctx context.Context, event *model.WebhookEvent)
}

// WebhookHandler は外部プラットフォームからのWebhookを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	processor WebhookProcessor
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// Verify は購読登録時の検証リクエストに応答する。
// GET /webhook?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := h.processor.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		slog.Warn("Webhook購読の検証を拒否しました",
			slog.String("mode", q.Get("hub.mode")),
		)
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewWebhookVerifyFailedError())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

// Receive はプッシュイベントを受け付ける。
// POST /webhook
//
// 処理は非同期で行い、受付後ただちに200を返す。
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディを読み込めません"))
		return
	}

	event, err := webhook.ParsePayload(body)
	if err != nil {
		slog.Warn("不正なWebhookペイロードを受信しました",
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("イベントの形式が正しくありません"))
		return
	}

	h.processor.Accept(r.Context(), event)
	w.WriteHeader(http.StatusOK)
}
