package apps_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-apps"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func newChannelTestServer(t *testing.T) (*apps.ChannelManager, string) {
	t.Helper()

	m := apps.NewChannelManager("ws://example.test/channels")

	r := chi.NewRouter()
	r.Handle("/channels/{instanceID}", m.HandleUpgrade())
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/channels"
	return m, wsURL
}

func dialChannel(t *testing.T, wsURL, instanceID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/"+instanceID, nil)
	if err != nil {
		t.Fatalf("failed to dial channel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChannelManager_RejectsBeforeFirstOpen(t *testing.T) {
	_, wsURL := newChannelTestServer(t)

	// No channel has ever been opened, so the upgrade path must not exist yet.
	_, res, err := websocket.DefaultDialer.Dial(wsURL+"/inst-1", nil)
	if err == nil {
		t.Fatal("expected dial to fail before first Open")
	}
	if res == nil || res.StatusCode != 404 {
		t.Errorf("expected 404 response, got %+v", res)
	}
}

func TestChannelManager_UnknownInstanceCloseCode(t *testing.T) {
	m, wsURL := newChannelTestServer(t)
	m.Open("known")

	conn := dialChannel(t, wsURL, "unknown")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != 4404 {
		t.Errorf("close code = %d, want 4404", closeErr.Code)
	}
}

func TestChannel_BroadcastToAllPeers(t *testing.T) {
	m, wsURL := newChannelTestServer(t)
	ch := m.Open("inst-1")

	first := dialChannel(t, wsURL, "inst-1")
	second := dialChannel(t, wsURL, "inst-1")

	waitForPeers(t, ch, 2)

	if err := ch.Send(map[string]string{"event": "update"}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read broadcast: %v", err)
		}
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("failed to unmarshal broadcast: %v", err)
		}
		if got["event"] != "update" {
			t.Errorf("broadcast event = %q, want %q", got["event"], "update")
		}
	}
}

func TestChannel_SendWithNoPeers(t *testing.T) {
	m, _ := newChannelTestServer(t)
	ch := m.Open("inst-1")

	if err := ch.Send(map[string]string{"event": "update"}); err != nil {
		t.Errorf("Send() with no peers = %v, want nil", err)
	}
}

func TestChannel_InboundMessages(t *testing.T) {
	m, wsURL := newChannelTestServer(t)
	ch := m.Open("inst-1")

	received := make(chan json.RawMessage, 1)
	ch.OnMessage(func(msg json.RawMessage) {
		received <- msg
	})

	conn := dialChannel(t, wsURL, "inst-1")
	waitForPeers(t, ch, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"click"}`)); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	select {
	case msg := <-received:
		var got map[string]string
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("failed to unmarshal inbound message: %v", err)
		}
		if got["action"] != "click" {
			t.Errorf("inbound action = %q, want %q", got["action"], "click")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestChannel_MalformedInboundDropped(t *testing.T) {
	m, wsURL := newChannelTestServer(t)
	ch := m.Open("inst-1")

	received := make(chan json.RawMessage, 2)
	ch.OnMessage(func(msg json.RawMessage) {
		received <- msg
	})

	conn := dialChannel(t, wsURL, "inst-1")
	waitForPeers(t, ch, 1)

	// The malformed frame is dropped without affecting the connection; the
	// valid frame that follows still arrives.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("failed to write malformed message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("failed to write valid message: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != `{"ok":true}` {
			t.Errorf("received %s, want the valid message only", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for valid message")
	}
}

func TestChannel_OnConnect(t *testing.T) {
	m, wsURL := newChannelTestServer(t)
	ch := m.Open("inst-1")

	connected := make(chan struct{}, 1)
	ch.OnConnect(func() {
		connected <- struct{}{}
	})

	dialChannel(t, wsURL, "inst-1")

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect observer")
	}
}

func TestChannelManager_Close(t *testing.T) {
	m, wsURL := newChannelTestServer(t)
	ch := m.Open("inst-1")

	conn := dialChannel(t, wsURL, "inst-1")
	waitForPeers(t, ch, 1)

	if !m.Close("inst-1") {
		t.Fatal("Close() = false, want true for open channel")
	}
	if m.Close("inst-1") {
		t.Error("second Close() = true, want false")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}
}

func TestChannelManager_URL(t *testing.T) {
	m := apps.NewChannelManager("ws://example.test/channels")

	got := m.URL("inst-1")
	want := "ws://example.test/channels/inst-1"
	if got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func waitForPeers(t *testing.T, ch *apps.Channel, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ch.PeerCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d peer(s), have %d", want, ch.PeerCount())
}
