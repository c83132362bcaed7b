package hermes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestMigrationCompleted_WireFormat(t *testing.T) {
	evt := MigrationCompleted{
		UserID:                "0b8f7a4e-6c1d-4f7e-9a55-3f2a1c9d8e01",
		DeviceID:              "anon-abc",
		MigratedConversations: 2,
		MigratedMessages:      7,
		DroppedMessages:       1,
		Timestamp:             time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	for _, key := range []string{"user_id", "device_id", "migrated_conversations", "migrated_messages", "dropped_messages", "replayed", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := raw["idempotency_key"]; ok {
		t.Error("empty idempotency_key should be omitted")
	}
}

func TestUserSignedIn_Parsing(t *testing.T) {
	raw := `{"user_id":"u1","email":"ada@example.com","method":"magic_link","new_user":true,"timestamp":"2025-03-01T12:00:00Z"}`

	var evt UserSignedIn
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if evt.Method != "magic_link" || !evt.NewUser || evt.Email != "ada@example.com" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestNewMsg_Headers(t *testing.T) {
	msg, err := newMsg(SubjectMigrationCompleted, MigrationCompleted{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != SubjectMigrationCompleted {
		t.Errorf("unexpected subject %s", msg.Subject)
	}
	if msg.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	if got := msg.Header.Get(nats.MsgIdHdr); got != "u1/k1" {
		t.Errorf("expected message id u1/k1, got %q", got)
	}

	unkeyed, err := newMsg(SubjectMigrationCompleted, MigrationCompleted{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if unkeyed.Header.Get(nats.MsgIdHdr) != "" {
		t.Error("unkeyed merges must not carry a message id")
	}

	signedIn, err := newMsg(SubjectUserSignedIn, UserSignedIn{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	var evt UserSignedIn
	if err := json.Unmarshal(signedIn.Data, &evt); err != nil || evt.UserID != "u1" {
		t.Errorf("unexpected payload %s", signedIn.Data)
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Publish(SubjectUserSignedIn, UserSignedIn{}); err != nil {
		t.Errorf("Discard.Publish returned %v", err)
	}
}
