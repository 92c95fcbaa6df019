package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cah/internal/config"
)

const (
	tokenExpiryBuffer = 3 * time.Minute
	tokenEndpoint     = "/open-apis/auth/v3/tenant_access_token/internal"
	messageEndpoint   = "/open-apis/im/v1/messages"
)

// Lark is the Lark/Feishu adapter: a lightweight API client over net/http
// with tenant_access_token auto-refresh, plus a webhook handler for
// inbound message events.
type Lark struct {
	cfg        config.LarkConfig
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewLark creates the adapter from config.
func NewLark(cfg config.LarkConfig) *Lark {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://open.larksuite.com"
	}
	return &Lark{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements Adapter.
func (l *Lark) Name() string { return "lark" }

// Reply sends a text message to a chat.
func (l *Lark) Reply(ctx context.Context, chatID, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	}
	path := messageEndpoint + "?receive_id_type=" + receiveIDType(chatID)
	resp, err := l.doJSON(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("lark send: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func receiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}

// --- token management ---

func (l *Lark) getToken(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" && time.Now().Before(l.tokenExp) {
		return l.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     l.cfg.AppID,
		"app_secret": l.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lark token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("lark token decode: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("lark token error: code=%d msg=%s", result.Code, result.Msg)
	}
	l.token = result.TenantAccessToken
	l.tokenExp = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryBuffer)
	return l.token, nil
}

type apiResp struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (l *Lark) doJSON(ctx context.Context, method, path string, payload any) (*apiResp, error) {
	token, err := l.getToken(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, l.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out apiResp
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("lark response decode: %w", err)
	}
	return &out, nil
}

// --- webhook ---

type larkEvent struct {
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

// WebhookHandler returns the HTTP handler for Lark event callbacks. It
// answers url_verification challenges and forwards text messages to
// handle. Events run on their own goroutine so Lark gets its 200 fast.
func (l *Lark) WebhookHandler(handle func(Incoming)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		var ev larkEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		if ev.Type == "url_verification" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"challenge": ev.Challenge})
			return
		}
		if l.cfg.VerificationToken != "" && ev.Header.Token != l.cfg.VerificationToken {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)

		if ev.Header.EventType != "im.message.receive_v1" {
			return
		}
		msg := ev.Event.Message
		if msg.MessageType != "text" {
			return
		}
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
			slog.Debug("lark content parse failed", "message_id", msg.MessageID, "error", err)
			return
		}
		go handle(Incoming{
			ChatID:    msg.ChatID,
			MessageID: msg.MessageID,
			SenderID:  ev.Event.Sender.SenderID.OpenID,
			Text:      stripMentions(content.Text),
			At:        time.Now(),
		})
	}
}

// stripMentions removes @_user_N placeholders Lark injects for mentions.
func stripMentions(text string) string {
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "@_user_") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
