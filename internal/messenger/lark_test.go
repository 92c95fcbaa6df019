package messenger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/config"
)

func postEvent(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/lark", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestWebhookChallengeEcho(t *testing.T) {
	l := NewLark(config.LarkConfig{})
	h := l.WebhookHandler(func(Incoming) {})

	rec := postEvent(t, h, `{"type":"url_verification","challenge":"abc123"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "abc123", out["challenge"])
}

func TestWebhookRejectsBadToken(t *testing.T) {
	l := NewLark(config.LarkConfig{VerificationToken: "expected"})
	h := l.WebhookHandler(func(Incoming) { t.Fatal("handler must not run") })

	rec := postEvent(t, h, `{"header":{"event_type":"im.message.receive_v1","token":"wrong"}}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookForwardsTextMessage(t *testing.T) {
	l := NewLark(config.LarkConfig{VerificationToken: "tok"})
	got := make(chan Incoming, 1)
	h := l.WebhookHandler(func(msg Incoming) { got <- msg })

	body := `{
  "header": {"event_type": "im.message.receive_v1", "token": "tok"},
  "event": {
    "sender": {"sender_id": {"open_id": "ou_sender"}},
    "message": {
      "message_id": "om_1",
      "chat_id": "oc_chat",
      "message_type": "text",
      "content": "{\"text\": \"@_user_1 /status\"}"
    }
  }
}`
	rec := postEvent(t, h, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-got:
		assert.Equal(t, "oc_chat", msg.ChatID)
		assert.Equal(t, "om_1", msg.MessageID)
		assert.Equal(t, "ou_sender", msg.SenderID)
		assert.Equal(t, "/status", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("message was not forwarded")
	}
}

func TestWebhookIgnoresNonTextMessages(t *testing.T) {
	l := NewLark(config.LarkConfig{})
	h := l.WebhookHandler(func(Incoming) { t.Fatal("handler must not run") })

	rec := postEvent(t, h, `{
  "header": {"event_type": "im.message.receive_v1"},
  "event": {"message": {"message_id": "om_2", "chat_id": "oc_chat", "message_type": "image", "content": "{}"}}
}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	l := NewLark(config.LarkConfig{})
	h := l.WebhookHandler(func(Incoming) {})
	rec := postEvent(t, h, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveIDType(t *testing.T) {
	assert.Equal(t, "open_id", receiveIDType("ou_abc"))
	assert.Equal(t, "union_id", receiveIDType("on_abc"))
	assert.Equal(t, "chat_id", receiveIDType("oc_abc"))
}
