package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/logging"
)

const testSigningKey = "test-signing-key"

type captureSink struct {
	intents []core.TradeIntent
	full    bool
}

func (s *captureSink) SubmitIntent(intent core.TradeIntent) bool {
	if s.full {
		return false
	}
	s.intents = append(s.intents, intent)
	return true
}

func newTestServer(sink IntentSink) *Server {
	cfg := config.WebhookConfig{
		Enabled:    true,
		ListenAddr: ":0",
		SigningKey: config.Secret(testSigningKey),
	}
	return NewServer(cfg, sink, logging.NewNop())
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSigningKey))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func postIntent(s *Server, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.handleIntent(rec, req)
	return rec
}

func TestHandleIntent_ValidSignatureAccepted(t *testing.T) {
	sink := &captureSink{}
	s := newTestServer(sink)

	body := `{"symbol":"XBT/USD","action":"buy","price":"43250.5"}`
	rec := postIntent(s, body, sign(body))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.intents, 1)
	assert.Equal(t, "XBT/USD", sink.intents[0].Symbol)
	assert.Equal(t, "buy", sink.intents[0].Action)
	assert.Equal(t, "43250.5", sink.intents[0].Price.String())
}

func TestHandleIntent_RejectsBadSignatures(t *testing.T) {
	sink := &captureSink{}
	s := newTestServer(sink)
	body := `{"symbol":"XBT/USD","action":"buy","price":"100"}`

	cases := map[string]string{
		"missing":       "",
		"not hex":       "zzzz",
		"wrong key":     "deadbeef" + sign(body)[8:],
		"other payload": sign(`{"symbol":"ETH/USD","action":"buy","price":"100"}`),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			rec := postIntent(s, body, sig)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.Empty(t, sink.intents, "unsigned payloads must never reach the loop")
}

func TestHandleIntent_RejectsMalformedPayloads(t *testing.T) {
	sink := &captureSink{}
	s := newTestServer(sink)

	cases := []string{
		`not json`,
		`{"symbol":"","action":"buy","price":"100"}`,
		`{"symbol":"XBT/USD","action":"liquidate","price":"100"}`,
		`{"symbol":"XBT/USD","action":"buy","price":"abc"}`,
		`{"symbol":"XBT/USD","action":"buy","price":"-5"}`,
	}
	for _, body := range cases {
		rec := postIntent(s, body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %q", body)
	}
	assert.Empty(t, sink.intents)
}

func TestHandleIntent_MethodNotAllowed(t *testing.T) {
	s := newTestServer(&captureSink{})
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	s.handleIntent(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleIntent_QueueFull(t *testing.T) {
	s := newTestServer(&captureSink{full: true})
	body := `{"symbol":"XBT/USD","action":"close","price":"100"}`
	rec := postIntent(s, body, sign(body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
