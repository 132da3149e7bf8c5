package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	frames   []pushMessage
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, v.(pushMessage))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeBackplane struct {
	published [][]byte
	incoming  chan []byte
	pubErr    error
}

func (b *fakeBackplane) Publish(ctx context.Context, payload []byte) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return b.incoming, nil
}

func TestPushLocalReachesAllConnectionsOfTargetedUsersOnly(t *testing.T) {
	reg := NewRegistry(nil)

	phone := &fakeConn{}
	laptop := &fakeConn{}
	bystander := &fakeConn{}
	reg.Register("user-1", phone)
	reg.Register("user-1", laptop)
	reg.Register("user-2", bystander)

	err := reg.PushToUsers(context.Background(), []string{"user-1"}, "ReceiveChatMessage", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("PushToUsers: %v", err)
	}

	if len(phone.frames) != 1 || len(laptop.frames) != 1 {
		t.Errorf("expected both of user-1's connections to receive the push, got %d and %d",
			len(phone.frames), len(laptop.frames))
	}
	if len(bystander.frames) != 0 {
		t.Errorf("expected user-2 to receive nothing, got %d frames", len(bystander.frames))
	}
	if phone.frames[0].Event != "ReceiveChatMessage" {
		t.Errorf("expected event name preserved, got %q", phone.frames[0].Event)
	}
}

func TestPushToUserWithNoConnectionsIsANoOp(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.PushToUsers(context.Background(), []string{"ghost"}, "StartChat", struct{}{}); err != nil {
		t.Fatalf("expected push to an offline user to succeed silently, got %v", err)
	}
}

func TestFailedWriteDropsTheConnection(t *testing.T) {
	reg := NewRegistry(nil)

	broken := &fakeConn{writeErr: errors.New("broken pipe")}
	healthy := &fakeConn{}
	reg.Register("user-1", broken)
	reg.Register("user-1", healthy)

	data, _ := json.Marshal(map[string]string{"text": "hi"})
	reg.PushLocal([]string{"user-1"}, "ReceiveChatMessage", data)

	if !broken.closed {
		t.Error("expected the failing connection to be closed")
	}
	if len(healthy.frames) != 1 {
		t.Errorf("expected the healthy connection to still receive the push, got %d frames", len(healthy.frames))
	}

	// The dropped connection must not be retried on the next push.
	broken.writeErr = nil
	reg.PushLocal([]string{"user-1"}, "ReceiveChatMessage", data)
	if len(broken.frames) != 0 {
		t.Error("expected the dropped connection to receive no further pushes")
	}
	if len(healthy.frames) != 2 {
		t.Errorf("expected 2 frames on the healthy connection, got %d", len(healthy.frames))
	}
}

func TestUnregisterRemovesOnlyThatConnection(t *testing.T) {
	reg := NewRegistry(nil)

	phone := &fakeConn{}
	laptop := &fakeConn{}
	phoneID := reg.Register("user-1", phone)
	reg.Register("user-1", laptop)

	reg.Unregister(phoneID)

	data, _ := json.Marshal(map[string]string{"text": "hi"})
	reg.PushLocal([]string{"user-1"}, "ReceiveChatMessage", data)

	if len(phone.frames) != 0 {
		t.Error("expected no push to the unregistered connection")
	}
	if len(laptop.frames) != 1 {
		t.Errorf("expected the remaining connection to receive the push, got %d frames", len(laptop.frames))
	}
}

func TestPushToUsersRelaysThroughBackplane(t *testing.T) {
	backplane := &fakeBackplane{}
	reg := NewRegistry(backplane)

	local := &fakeConn{}
	reg.Register("user-1", local)

	err := reg.PushToUsers(context.Background(), []string{"user-1", "user-2"}, "StartChat", map[string]string{"id": "c1"})
	if err != nil {
		t.Fatalf("PushToUsers: %v", err)
	}

	if len(backplane.published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(backplane.published))
	}
	var envelope pushEnvelope
	if err := json.Unmarshal(backplane.published[0], &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Event != "StartChat" {
		t.Errorf("expected event StartChat, got %q", envelope.Event)
	}
	if len(envelope.UserIDs) != 2 {
		t.Errorf("expected 2 targeted users, got %v", envelope.UserIDs)
	}
}

func TestBackplaneFailureFallsBackToLocalDelivery(t *testing.T) {
	backplane := &fakeBackplane{pubErr: errors.New("redis down")}
	reg := NewRegistry(backplane)

	local := &fakeConn{}
	reg.Register("user-1", local)

	err := reg.PushToUsers(context.Background(), []string{"user-1"}, "ReceiveChatMessage", map[string]string{"text": "hi"})
	if err == nil {
		t.Error("expected the backplane error to surface")
	}
	if len(local.frames) != 1 {
		t.Errorf("expected local delivery despite the backplane failure, got %d frames", len(local.frames))
	}
}

func TestRunDeliversRelayedEnvelopes(t *testing.T) {
	incoming := make(chan []byte, 1)
	backplane := &fakeBackplane{incoming: incoming}
	reg := NewRegistry(backplane)

	local := &fakeConn{}
	reg.Register("user-1", local)

	data, _ := json.Marshal(map[string]string{"text": "hi"})
	envelope, _ := json.Marshal(pushEnvelope{
		Event:   "ReceiveChatMessage",
		UserIDs: []string{"user-1", "user-elsewhere"},
		Data:    data,
	})
	incoming <- envelope
	close(incoming)

	done := make(chan error, 1)
	go func() { done <- reg.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the subscription closed")
	}

	if len(local.frames) != 1 {
		t.Fatalf("expected 1 relayed frame, got %d", len(local.frames))
	}
	if local.frames[0].Event != "ReceiveChatMessage" {
		t.Errorf("expected relayed event preserved, got %q", local.frames[0].Event)
	}
}
