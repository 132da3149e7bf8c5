// Package registry tracks which users have live push connections on this
// instance and relays pushes across instances through a backplane. Registry
// state is ephemeral: it is rebuilt entirely from client reconnection.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Conn is the write side of a live connection. Satisfied by *websocket.Conn.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Backplane relays push envelopes between server instances so a push issued
// here reaches connections held elsewhere.
type Backplane interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

type pushEnvelope struct {
	Event   string          `json:"event"`
	UserIDs []string        `json:"user_ids"`
	Data    json.RawMessage `json:"data"`
}

// pushMessage is the frame written to a client connection.
type pushMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type client struct {
	id     string
	userID string
	conn   Conn
}

// Registry maps user ids to their live connections. A user may hold zero,
// one, or many connections; a push reaches all of them.
type Registry struct {
	mu        sync.Mutex
	clients   map[string]*client
	userConns map[string]map[string]*client
	backplane Backplane
}

func NewRegistry(backplane Backplane) *Registry {
	return &Registry{
		clients:   make(map[string]*client),
		userConns: make(map[string]map[string]*client),
		backplane: backplane,
	}
}

// Register adds a connection for the user and returns its connection id.
func (r *Registry) Register(userID string, conn Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
	}
	r.clients[c.id] = c

	conns := r.userConns[userID]
	if conns == nil {
		conns = make(map[string]*client)
		r.userConns[userID] = conns
	}
	conns[c.id] = c

	log.Printf("Connection %s registered for user %s", c.id, userID)
	return c.id
}

func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(connectionID)
}

func (r *Registry) unregisterLocked(connectionID string) {
	c, ok := r.clients[connectionID]
	if !ok {
		return
	}
	delete(r.clients, connectionID)

	if conns := r.userConns[c.userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.userConns, c.userID)
		}
	}
	log.Printf("Connection %s removed for user %s", connectionID, c.userID)
}

// PushToUsers delivers an event to every live connection of the given users,
// on this instance and, via the backplane, on every other one. Delivery is
// best-effort; a user with no connection is simply skipped.
func (r *Registry) PushToUsers(ctx context.Context, userIDs []string, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if r.backplane == nil {
		r.PushLocal(userIDs, event, data)
		return nil
	}

	envelope, err := json.Marshal(pushEnvelope{
		Event:   event,
		UserIDs: userIDs,
		Data:    data,
	})
	if err != nil {
		return err
	}

	if err := r.backplane.Publish(ctx, envelope); err != nil {
		// The relay is down; still deliver to connections held locally.
		log.Printf("Error publishing push to backplane: %v", err)
		r.PushLocal(userIDs, event, data)
		return err
	}
	return nil
}

// PushLocal writes the event to connections registered on this instance only.
// A connection whose write fails is closed and dropped; the client is
// expected to reconnect and re-fetch through the read path.
func (r *Registry) PushLocal(userIDs []string, event string, data json.RawMessage) {
	msg := pushMessage{Event: event, Data: data}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, userID := range userIDs {
		for _, c := range r.userConns[userID] {
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("Error sending event %s to user %s: %v", event, userID, err)
				c.conn.Close()
				r.unregisterLocked(c.id)
				continue
			}
			log.Printf("Sent event %s to user %s (connection %s)", event, userID, c.id)
		}
	}
}

// Run consumes the backplane subscription and delivers relayed pushes to
// local connections. It blocks until the context is canceled.
func (r *Registry) Run(ctx context.Context) error {
	if r.backplane == nil {
		<-ctx.Done()
		return nil
	}

	ch, err := r.backplane.Subscribe(ctx)
	if err != nil {
		return err
	}

	for payload := range ch {
		var envelope pushEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			log.Printf("Error decoding backplane envelope: %v", err)
			continue
		}
		r.PushLocal(envelope.UserIDs, envelope.Event, envelope.Data)
	}
	return nil
}
