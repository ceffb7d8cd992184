// Package api exposes the security change-event stream over WebSocket so
// other processes on the node can follow key-management state without
// linking the stack.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threadmesh/threadmesh/pkg/logging"
	"github.com/threadmesh/threadmesh/pkg/notify"
	"github.com/threadmesh/threadmesh/pkg/security"
)

const writeTimeout = 10 * time.Second

// SecurityEvent is one change notification delivered to subscribers. Key
// material never crosses this surface.
type SecurityEvent struct {
	Timestamp           string   `json:"timestamp"`
	ChangedFlags        []string `json:"changed_flags"`
	KeySequence         uint32   `json:"key_sequence"`
	MacFrameCounter     uint32   `json:"mac_frame_counter"`
	MleFrameCounter     uint32   `json:"mle_frame_counter"`
	SecurityPolicyFlags uint8    `json:"security_policy_flags"`
	PSKcSet             bool     `json:"pskc_set"`
	DefaultMasterKey    bool     `json:"default_master_key"`
}

// eventClient is one connected WebSocket subscriber.
type eventClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *eventClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// EventServer serves the /events WebSocket endpoint and fans change events
// out to every connected subscriber.
type EventServer struct {
	km       *security.KeyManager
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}

	httpServer *http.Server
}

// NewEventServer creates an event server bound to the key manager.
func NewEventServer(km *security.KeyManager, log *logging.Logger) *EventServer {
	if log == nil {
		log = logging.NewLogger("api", logging.INFO, nil)
	}
	return &EventServer{
		km: km,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:     log,
		clients: make(map[*eventClient]struct{}),
	}
}

// Subscribe wires the server to the notifier so every signal is broadcast.
func (s *EventServer) Subscribe(notifier *notify.Notifier) {
	notifier.Subscribe(s.Broadcast)
}

// Broadcast delivers a change event to all connected subscribers. Slow or
// dead subscribers are dropped.
func (s *EventServer) Broadcast(flags notify.Flags) {
	state := s.km.PersistedState()
	event := SecurityEvent{
		Timestamp:           time.Now().UTC().Format(time.RFC3339Nano),
		ChangedFlags:        flags.Names(),
		KeySequence:         state.KeySequence,
		MacFrameCounter:     state.MacFrameCounter,
		MleFrameCounter:     state.MleFrameCounter,
		SecurityPolicyFlags: state.SecurityPolicyFlags,
		PSKcSet:             state.PSKcSet,
		DefaultMasterKey:    s.km.IsDefaultMasterKey(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error("event marshal failed", logging.Fields{"error": err.Error()})
		return
	}

	s.mu.Lock()
	clients := make([]*eventClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			s.drop(c)
		}
	}
}

// HandleEvents upgrades an HTTP request to the event stream.
func (s *EventServer) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	client := &eventClient{conn: conn}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.log.Info("event subscriber connected", logging.Fields{"subscribers": count})

	// Drain (and discard) reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(client)
				return
			}
		}
	}()
}

func (s *EventServer) drop(c *eventClient) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if present {
		c.conn.Close()
	}
}

// ListenAndServe starts the HTTP listener for the event endpoint. It blocks
// until the server is shut down.
func (s *EventServer) ListenAndServe(host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.HandleEvents)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}

	s.log.Info("event API listening", logging.Fields{"addr": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the listener down and disconnects all subscribers.
func (s *EventServer) Close() error {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*eventClient]struct{})
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}
