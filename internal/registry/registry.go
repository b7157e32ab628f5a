package registry

import (
	"log/slog"
	"sort"
	"sync"
)

// Conn is the write surface of a live connection. *websocket.Conn satisfies
// it; tests inject fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// session serializes writes to one connection.
type session struct {
	actor  string
	device string
	connID string
	conn   Conn
	mu     sync.Mutex
}

func (s *session) send(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(envelope{Event: event, Data: payload})
}

// Registry is the directory of live connections per (actor, device) and the
// room membership used for order-scoped broadcasts. All bookkeeping is
// in-memory; absence of a recipient is a normal, silent case.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]map[string]map[string]*session // actor -> device -> connID
	rooms  map[string]map[string]*session            // room -> connID
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		actors: make(map[string]map[string]map[string]*session),
		rooms:  make(map[string]map[string]*session),
		logger: logger,
	}
}

// Register is idempotent: re-registering the same (actor, device, connID)
// replaces the stored connection.
func (r *Registry) Register(actor, device, connID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices, ok := r.actors[actor]
	if !ok {
		devices = make(map[string]map[string]*session)
		r.actors[actor] = devices
	}
	conns, ok := devices[device]
	if !ok {
		conns = make(map[string]*session)
		devices[device] = conns
	}
	conns[connID] = &session{actor: actor, device: device, connID: connID, conn: conn}
}

// Unregister removes the connection and prunes empty device/actor buckets.
// Unknown actor/device/conn is a no-op, not an error.
func (r *Registry) Unregister(actor, device, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(actor, device, connID)
}

func (r *Registry) dropLocked(actor, device, connID string) {
	devices, ok := r.actors[actor]
	if !ok {
		return
	}
	conns, ok := devices[device]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(devices, device)
	}
	if len(devices) == 0 {
		delete(r.actors, actor)
	}
	for room, members := range r.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// EmitToActor pushes to every connection of every device of the actor.
// Best-effort, at-most-once: no queuing, no error when nobody is connected.
func (r *Registry) EmitToActor(actor, event string, payload interface{}) {
	r.mu.RLock()
	var targets []*session
	for _, conns := range r.actors[actor] {
		for _, s := range conns {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	r.fanOut(targets, event, payload)
}

// EmitToDevice is EmitToActor scoped to a single device.
func (r *Registry) EmitToDevice(actor, device, event string, payload interface{}) {
	r.mu.RLock()
	var targets []*session
	for _, s := range r.actors[actor][device] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	r.fanOut(targets, event, payload)
}

// JoinRoom associates all of the device's current connections with a room.
func (r *Registry) JoinRoom(actor, device, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*session)
		r.rooms[room] = members
	}
	for connID, s := range r.actors[actor][device] {
		members[connID] = s
	}
}

func (r *Registry) LeaveRoom(actor, device, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	for connID := range r.actors[actor][device] {
		delete(members, connID)
	}
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// EmitToRoom fans out to every connection in the room regardless of actor.
func (r *Registry) EmitToRoom(room, event string, payload interface{}) {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	r.fanOut(targets, event, payload)
}

// EmitToRoomExcept fans out to the room, skipping every connection that
// belongs to the excluded actor. Used to tell losing bidders an order is gone
// without echoing the cancel to the winner.
func (r *Registry) EmitToRoomExcept(room, exceptActor, event string, payload interface{}) {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		if s.actor == exceptActor {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	r.fanOut(targets, event, payload)
}

// BroadcastAll pushes to every live connection.
func (r *Registry) BroadcastAll(event string, payload interface{}) {
	r.mu.RLock()
	var targets []*session
	for _, devices := range r.actors {
		for _, conns := range devices {
			for _, s := range conns {
				targets = append(targets, s)
			}
		}
	}
	r.mu.RUnlock()
	r.fanOut(targets, event, payload)
}

// fanOut sends independently to each target. A failed write drops the
// connection from the registry; the failure is never surfaced to the caller.
func (r *Registry) fanOut(targets []*session, event string, payload interface{}) {
	for _, s := range targets {
		if err := s.send(event, payload); err != nil {
			if r.logger != nil {
				r.logger.Warn("ws send failed, dropping connection",
					"actor", s.actor, "device", s.device, "conn_id", s.connID, "event", event, "error", err)
			}
			r.mu.Lock()
			r.dropLocked(s.actor, s.device, s.connID)
			r.mu.Unlock()
			_ = s.conn.Close()
		}
	}
}

func (r *Registry) ListOnlineActors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actors))
	for actor := range r.actors {
		out = append(out, actor)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) IsOnline(actor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors[actor]) > 0
}

func (r *Registry) ListDevices(actor string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actors[actor]))
	for device := range r.actors[actor] {
		out = append(out, device)
	}
	sort.Strings(out)
	return out
}
