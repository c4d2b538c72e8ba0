package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wamator/internal/auth"
	"wamator/internal/middleware"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func dialSocket(t *testing.T, srv *httptest.Server, apiKey string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	header := http.Header{}
	if apiKey != "" {
		header.Set("Cookie", middleware.APIKeyCookie+"="+apiKey)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, "\"pingInterval\"") {
		t.Fatalf("unexpected open packet: %s", open)
	}
	return conn
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage(%s): %v", msg, err)
	}
}

func eventArgs(t *testing.T, raw, event string) map[string]any {
	t.Helper()
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &arr); err != nil || len(arr) < 2 {
		t.Fatalf("unmarshal event %q: %v", raw, err)
	}
	var name string
	_ = json.Unmarshal(arr[0], &name)
	if name != event {
		t.Fatalf("expected %q, got %q", event, name)
	}
	var payload map[string]any
	if err := json.Unmarshal(arr[1], &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}

func TestSocketHandshakeWithCookieAndPingAck(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn := dialSocket(t, srv, s.tenant.APIKey)
	send(t, conn, "40")
	connected := waitForPrefix(t, conn, "40", 2*time.Second)
	if !strings.Contains(connected, "\"sid\"") {
		t.Fatalf("unexpected connect packet %s", connected)
	}

	send(t, conn, `421["ping"]`)
	if ack := waitForPrefix(t, conn, "431", 2*time.Second); ack != "431[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

func TestSocketRefusedWithoutTenant(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn := dialSocket(t, srv, "")
	send(t, conn, "40")
	refused := waitForPrefix(t, conn, "44", 2*time.Second)
	if !strings.Contains(refused, "API Key required") {
		t.Fatalf("unexpected refusal %s", refused)
	}
}

func TestRegisterUserReceivesPushes(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn := dialSocket(t, srv, s.tenant.APIKey)
	send(t, conn, "40")
	_ = waitForPrefix(t, conn, "40", 2*time.Second)

	send(t, conn, `427["register_user",9999]`)
	if ack := waitForPrefix(t, conn, "437", 2*time.Second); !strings.Contains(ack, `"ok":false`) {
		t.Fatalf("foreign user must be refused, got %s", ack)
	}

	userID, _ := json.Marshal(s.tenant.UserID)
	send(t, conn, `428["register_user","`+string(userID)+`"]`)
	if ack := waitForPrefix(t, conn, "438", 2*time.Second); !strings.Contains(ack, `"ok":true`) {
		t.Fatalf("owned user must be accepted, got %s", ack)
	}

	s.socket.Emit(s.tenant.UserID, "connection_update", map[string]any{"status": "connected"})
	raw := waitForPrefix(t, conn, "42", 2*time.Second)
	if payload := eventArgs(t, raw[2:], "connection_update"); payload["status"] != "connected" {
		t.Fatalf("unexpected push %v", payload)
	}
}

func TestTokenConnectJoinsUserRoom(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	token, err := auth.CreatePushToken(s.tenant.ID, s.tenant.UserID, auth.DefaultTokenConfig("secret"))
	if err != nil {
		t.Fatalf("CreatePushToken: %v", err)
	}

	conn := dialSocket(t, srv, "")
	authBytes, _ := json.Marshal(map[string]any{"token": token})
	send(t, conn, "40"+string(authBytes))
	_ = waitForPrefix(t, conn, "40", 2*time.Second)

	s.socket.Emit(s.tenant.UserID, "qr_generated", map[string]any{"session_id": "k"})
	raw := waitForPrefix(t, conn, "42", 2*time.Second)
	if payload := eventArgs(t, raw[2:], "qr_generated"); payload["session_id"] != "k" {
		t.Fatalf("unexpected push %v", payload)
	}

	send(t, conn, `429["register_user",9999]`)
	if ack := waitForPrefix(t, conn, "439", 2*time.Second); !strings.Contains(ack, `"ok":false`) {
		t.Fatalf("token-bound socket may only register its own user, got %s", ack)
	}
}
