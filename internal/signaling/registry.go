package signaling

import (
	"sort"
	"sync"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
)

// Conn is a live client connection as seen by the relay.
type Conn interface {
	// ID is unique per connection for the life of the process.
	ID() string
	// Identity returns the authenticated participant, or nil when the server
	// runs without authentication.
	Identity() *auth.Identity
	// Send must not block on a slow peer.
	Send(Event) error
}

// Registry holds the routing tables: participant to connection, connection to
// participant, and room membership. The zero value is not usable; create one
// with NewRegistry per relay (or per test).
type Registry struct {
	mu sync.Mutex

	byParticipant map[string]Conn
	byConn        map[string]string
	rooms         map[string]map[string]Conn
	connRooms     map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byParticipant: make(map[string]Conn),
		byConn:        make(map[string]string),
		rooms:         make(map[string]map[string]Conn),
		connRooms:     make(map[string]map[string]struct{}),
	}
}

// join binds conn to participantID (overwriting either side's previous
// binding) and adds conn to roomID. It returns the other room members present
// before the join.
func (r *Registry) join(conn Conn, roomID, participantID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if prev, ok := r.byConn[connID]; ok && prev != participantID {
		if c, ok := r.byParticipant[prev]; ok && c.ID() == connID {
			delete(r.byParticipant, prev)
		}
	}
	if prev, ok := r.byParticipant[participantID]; ok && prev.ID() != connID {
		delete(r.byConn, prev.ID())
	}
	r.byParticipant[participantID] = conn
	r.byConn[connID] = participantID

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[roomID] = members
	}
	others := make([]Conn, 0, len(members))
	for id, c := range members {
		if id != connID {
			others = append(others, c)
		}
	}
	members[connID] = conn

	if r.connRooms[connID] == nil {
		r.connRooms[connID] = make(map[string]struct{})
	}
	r.connRooms[connID][roomID] = struct{}{}

	return others
}

// remove drops every trace of conn. It returns the participant id that was
// unbound, if conn still owned it.
func (r *Registry) remove(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	for roomID := range r.connRooms[connID] {
		members := r.rooms[roomID]
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.connRooms, connID)

	participantID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if c, ok := r.byParticipant[participantID]; ok && c.ID() == connID {
		delete(r.byParticipant, participantID)
		return participantID, true
	}
	return "", false
}

// Lookup returns the connection currently bound to participantID.
func (r *Registry) Lookup(participantID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byParticipant[participantID]
	return c, ok
}

// ParticipantOf returns the participant bound to conn.
func (r *Registry) ParticipantOf(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn.ID()]
	return id, ok
}

// Len returns the sizes of the two routing maps. They differ only
// transiently, never after a join or remove returns.
func (r *Registry) Len() (participants, conns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byParticipant), len(r.byConn)
}

// RoomMembers returns the participant ids of roomID's members, sorted.
// Members that are no longer bound to a participant are omitted.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		if id, ok := r.byConn[connID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
