package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func testClient(id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: append([]string{}, topics...),
		Send:   make(chan []byte, 256),
	}
}

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(testClient("client-1", "Patient/123"))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("Patient/123") != 1 {
		t.Fatalf("expected 1 client on Patient/123, got %d", hub.TopicCount("Patient/123"))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := testClient("client-2", "Patient/456")

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("Patient/456") != 0 {
		t.Fatalf("expected 0 clients on Patient/456, got %d", hub.TopicCount("Patient/456"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := testClient("sub-1", "Patient/123")
	other := testClient("other-1", "Patient/999")
	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast("Patient/123", Event{
		Type:         EventVitalSignsRecorded,
		Topic:        "Patient/123",
		ResourceType: "vital_signs",
		ResourceID:   "abc::ehrbase::1",
	})

	select {
	case msg := <-subscriber.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != EventVitalSignsRecorded || got.ResourceID != "abc::ehrbase::1" {
			t.Errorf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("subscriber received nothing")
	}

	select {
	case <-other.Send:
		t.Fatal("client on another topic received the event")
	default:
	}
}

func TestHub_BroadcastFullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"Patient/1"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Broadcast("Patient/1", Event{Type: EventVitalSignsRecorded})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	if len(client.Send) != 1 {
		t.Errorf("expected exactly one buffered event, got %d", len(client.Send))
	}
}

func TestHub_SubscribeIgnoresDuplicates(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := testClient("dup", "Patient/1", "Patient/1")
	hub.Register(client)
	hub.Subscribe(client, []string{"Patient/1", "Encounter/2"})

	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	hub.Broadcast("Patient/1", Event{Type: "x"})
	if len(client.Send) != 1 {
		t.Errorf("expected one delivery, got %d", len(client.Send))
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := testClient("unsub", "Patient/1", "Encounter/2", "Patient/3")
	hub.Register(client)

	hub.Unsubscribe(client, []string{"Patient/1", "Patient/3"})

	if hub.TopicCount("Patient/1") != 0 || hub.TopicCount("Patient/3") != 0 {
		t.Fatal("expected removed topics to have no subscribers")
	}
	if hub.TopicCount("Encounter/2") != 1 {
		t.Fatalf("expected 1 on Encounter/2, got %d", hub.TopicCount("Encounter/2"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "Encounter/2" {
		t.Fatalf("expected [Encounter/2], got %v", client.Topics)
	}
}

func TestHub_ProcessMessageFiltersTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := testClient("proc")
	hub.Register(client)

	var msg ClientMessage
	raw := `{"action":"subscribe","topics":["Patient/123","Observation/1","Patient/",""]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	hub.ProcessMessage(client, msg)

	if len(client.Topics) != 1 || client.Topics[0] != "Patient/123" {
		t.Fatalf("expected only Patient/123, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"Patient/123"}})
	if hub.TopicCount("Patient/123") != 0 {
		t.Fatal("expected unsubscribe to remove the topic")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := testClient("c", "Patient/shared")
			hub.Register(c)
			hub.Broadcast("Patient/shared", Event{Type: "x"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_PublishSetsTimestamp(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := testClient("pub", PatientTopic("p1"))
	hub.Register(client)

	var _ EventPublisher = hub
	if err := hub.Publish(context.Background(), Event{Type: EventVitalSignsRecorded, Topic: PatientTopic("p1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got Event
	if err := json.Unmarshal(<-client.Send, &got); err != nil {
		t.Fatal(err)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected Publish to stamp the event")
	}
	if got.Topic != "Patient/p1" {
		t.Errorf("expected topic Patient/p1, got %s", got.Topic)
	}
}

func TestValidTopic(t *testing.T) {
	tests := map[string]bool{
		"Patient/1":    true,
		"Encounter/9":  true,
		"Patient/":     false,
		"Observation/": false,
		"":             false,
		"patient/1":    false,
	}
	for topic, want := range tests {
		if got := ValidTopic(topic); got != want {
			t.Errorf("ValidTopic(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://cis.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Error("request without Origin should be accepted")
	}
	req.Header.Set("Origin", "https://cis.example")
	if !check(req) {
		t.Error("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Error("foreign origin accepted")
	}

	if !originChecker([]string{"*"})(req) {
		t.Error("wildcard should accept any origin")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewHandler(NewHub(zerolog.Nop()), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, nil)

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topic=Patient/initial"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return hub.TopicCount("Patient/initial") == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"Patient/test-ws"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("Patient/test-ws") == 1 })

	hub.Publish(context.Background(), Event{
		Type:         EventVitalSignsRecorded,
		Topic:        "Patient/test-ws",
		ResourceType: "vital_signs",
		ResourceID:   "uid-1",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != EventVitalSignsRecorded || received.ResourceID != "uid-1" {
		t.Fatalf("unexpected event: %+v", received)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
