package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/patrolsync/internal/config"
	"github.com/kimhsiao/patrolsync/internal/patrol"
	"github.com/kimhsiao/patrolsync/internal/remote"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
)

func TestNewRemote(t *testing.T) {
	store, closeFn, err := newRemote(config.RemoteConfig{Driver: config.DriverMemory})
	if err != nil {
		t.Fatalf("newRemote(memory) error = %v", err)
	}
	defer closeFn()
	if _, ok := store.(*remote.Memory); !ok {
		t.Errorf("newRemote(memory) = %T", store)
	}

	store, closeFn, err = newRemote(config.RemoteConfig{Driver: config.DriverHTTP, BaseURL: "http://127.0.0.1:1"})
	if err != nil || store == nil {
		t.Fatalf("newRemote(http) = %v, %v", store, err)
	}
	closeFn()

	if _, _, err := newRemote(config.RemoteConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Error("newRemote(unknown) should fail")
	}
}

func TestNewOracle_noProbe(t *testing.T) {
	oracle, stop := newOracle(context.Background(), config.ConnectivityConfig{})
	defer stop()
	if !oracle.IsOnline() {
		t.Error("oracle without a probe should report online")
	}
}

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func TestWSHub_forwardsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub(ctx, nil)
	conn := dialHub(t, hub)

	hub.OnPatrolEvent(patrol.Event{Type: patrol.EventStarted, PatrolID: "p1", GuardID: "g1"})
	msg := readEnvelope(t, conn)
	if msg["type"] != EventPatrolStarted {
		t.Errorf("type = %v, want %s", msg["type"], EventPatrolStarted)
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["patrol_id"] != "p1" {
		t.Errorf("data = %v", data)
	}

	hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventCompleted, Message: "5 synced"})
	msg = readEnvelope(t, conn)
	if msg["type"] != EventSyncCompleted {
		t.Errorf("type = %v, want %s", msg["type"], EventSyncCompleted)
	}
}

func TestWSHub_subscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub(ctx, nil)
	conn := dialHub(t, hub)

	if err := conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{EventSyncFailed}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ack := readEnvelope(t, conn); ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v", ack)
	}

	hub.OnPatrolEvent(patrol.Event{Type: patrol.EventStarted, PatrolID: "p1"})
	hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventFailed, Error: "offline"})

	msg := readEnvelope(t, conn)
	if msg["type"] != EventSyncFailed {
		t.Errorf("type = %v, want only the subscribed %s", msg["type"], EventSyncFailed)
	}

	if err := conn.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong := readEnvelope(t, conn); pong["action"] != "pong" {
		t.Errorf("pong = %v", pong)
	}
}

func TestWSHub_stopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub(ctx, nil)
	conn := dialHub(t, hub)

	cancel()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after stop", n)
	}
	// Broadcasting after stop must not block.
	hub.Broadcast(EventSyncStarted, nil)
}
