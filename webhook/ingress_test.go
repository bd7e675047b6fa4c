package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	response any
	err      error
	calls    int
}

func (s *stubHandler) Handle(_ context.Context, _ Event, _ string) (any, bool, error) {
	s.calls++
	return s.response, false, s.err
}

func sign(secret []byte, timestamp, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(body))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

func newRequest(t *testing.T, secret []byte, body string, ts time.Time) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/card", bytes.NewReader([]byte(body)))
	req.Header.Set("webhook-timestamp", timestamp)
	req.Header.Set("webhook-signature", sign(secret, timestamp, body))
	return req
}

func TestIngressApprovesValidSignedRequest(t *testing.T) {
	secret := []byte("test-secret")
	handler := &stubHandler{response: map[string]any{"approved": true}}
	srv := NewServer(Config{Secret: secret}, NewMemoryReplaySet(), NewMemoryIdempotencyStore(), handler, nil)

	body := `{"eventId":"evt1","type":"authorization.request","data":{"authorizationId":"auth1","amount":5000,"cardToken":"tok1"}}`
	req := newRequest(t, secret, body, time.Now())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, handler.calls)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	require.Equal(t, true, decoded["approved"])
}

func TestIngressRejectsBadSignature(t *testing.T) {
	secret := []byte("test-secret")
	handler := &stubHandler{response: map[string]any{"approved": true}}
	srv := NewServer(Config{Secret: secret}, NewMemoryReplaySet(), NewMemoryIdempotencyStore(), handler, nil)

	body := `{"eventId":"evt1","type":"authorization.request","data":{"authorizationId":"auth1","amount":5000,"cardToken":"tok1"}}`
	req := newRequest(t, []byte("wrong-secret"), body, time.Now())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 0, handler.calls)
}

func TestIngressRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("test-secret")
	handler := &stubHandler{response: map[string]any{"approved": true}}
	srv := NewServer(Config{Secret: secret}, NewMemoryReplaySet(), NewMemoryIdempotencyStore(), handler, nil)

	body := `{"eventId":"evt1","type":"authorization.request","data":{"authorizationId":"auth1","amount":5000,"cardToken":"tok1"}}`
	req := newRequest(t, secret, body, time.Now().Add(-10*time.Minute))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 0, handler.calls)
}

func TestIngressRejectsReplay(t *testing.T) {
	secret := []byte("test-secret")
	handler := &stubHandler{response: map[string]any{"approved": true}}
	srv := NewServer(Config{Secret: secret}, NewMemoryReplaySet(), NewMemoryIdempotencyStore(), handler, nil)

	body := `{"eventId":"evt1","type":"authorization.request","data":{"authorizationId":"auth1","amount":5000,"cardToken":"tok1"}}`
	ts := time.Now()
	req1 := newRequest(t, secret, body, ts)
	rec1 := httptest.NewRecorder()
	srv.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := newRequest(t, secret, body, ts)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
	require.Equal(t, 1, handler.calls)
}

func TestIngressIdempotentCapture(t *testing.T) {
	secret := []byte("test-secret")
	handler := &stubHandler{response: map[string]any{"received": true}}
	srv := NewServer(Config{Secret: secret}, NewMemoryReplaySet(), NewMemoryIdempotencyStore(), handler, nil)

	body1 := `{"eventId":"evt1","type":"transaction.created","data":{"authorizationId":"auth1","amount":5000,"cardToken":"tok1"}}`
	body2 := `{"eventId":"evt2","type":"transaction.created","data":{"authorizationId":"auth1","amount":5000,"cardToken":"tok1"}}`

	req1 := newRequest(t, secret, body1, time.Now())
	rec1 := httptest.NewRecorder()
	srv.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := newRequest(t, secret, body2, time.Now())
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &decoded))
	require.Equal(t, true, decoded["duplicate"])
	require.Equal(t, 1, handler.calls)
}
