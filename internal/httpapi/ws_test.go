package httpapi

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/protocol"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s error = %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (protocol.MessageType, []byte) {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message error = %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Type, data
}

func TestChatWSTurnFlow(t *testing.T) {
	ts, _ := newTestServer(t, "ws")
	conn := dialWS(t, ts.URL)

	err := conn.WriteJSON(protocol.ClientTurn{
		Type:   protocol.TypeClientTurn,
		UserID: "alice",
		Text:   "My name is Alice",
	})
	if err != nil {
		t.Fatalf("write client_turn error = %v", err)
	}

	msgType, data := readEnvelope(t, conn)
	if msgType != protocol.TypeAssistantReply {
		t.Fatalf("first message type = %q, want %q (%s)", msgType, protocol.TypeAssistantReply, data)
	}
	var reply protocol.AssistantReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode assistant_reply: %v", err)
	}
	if reply.SessionID == "" || reply.TurnNo != 1 || reply.Tier != "factual" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// A factual turn is followed by a memory event.
	msgType, data = readEnvelope(t, conn)
	if msgType != protocol.TypeMemoryEvent {
		t.Fatalf("second message type = %q, want %q (%s)", msgType, protocol.TypeMemoryEvent, data)
	}
	var event protocol.MemoryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode memory_event: %v", err)
	}
	if event.Code != "fact_learned" || event.FactID == "" {
		t.Fatalf("unexpected memory event: %+v", event)
	}

	// Ending the session over the same connection.
	err = conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: reply.SessionID,
		Action:    "end_session",
	})
	if err != nil {
		t.Fatalf("write client_control error = %v", err)
	}
	msgType, data = readEnvelope(t, conn)
	if msgType != protocol.TypeMemoryEvent {
		t.Fatalf("control ack type = %q (%s)", msgType, data)
	}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode control ack: %v", err)
	}
	if event.Code != "session_ended" {
		t.Fatalf("control ack code = %q, want session_ended", event.Code)
	}
}

func TestChatWSRejectsMalformedMessage(t *testing.T) {
	ts, _ := newTestServer(t, "ws_bad")
	conn := dialWS(t, ts.URL)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}

	msgType, data := readEnvelope(t, conn)
	if msgType != protocol.TypeErrorEvent {
		t.Fatalf("message type = %q, want %q (%s)", msgType, protocol.TypeErrorEvent, data)
	}
	var event protocol.ErrorEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode error_event: %v", err)
	}
	if event.Code != "invalid_client_message" {
		t.Fatalf("error code = %q, want invalid_client_message", event.Code)
	}
}
