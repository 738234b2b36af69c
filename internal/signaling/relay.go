package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/healthkiosk/telehealth-signaling/internal/metrics"
	"github.com/healthkiosk/telehealth-signaling/internal/presence"
)

const presenceTimeout = time.Second

var (
	ErrNotJoined        = errors.New("connection has not joined a room")
	ErrIdentityMismatch = errors.New("userId does not match authenticated identity")
)

type RelayConfig struct {
	// Registry defaults to a fresh registry.
	Registry *Registry
	// Presence defaults to an in-process tracker.
	Presence presence.Tracker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Relay routes call setup events between participants bound in its Registry.
// All lookups are best-effort: events for a participant that is not connected
// are dropped, never queued.
type Relay struct {
	registry *Registry
	presence presence.Tracker
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewLocal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		registry: cfg.Registry,
		presence: cfg.Presence,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

func (r *Relay) Presence() presence.Tracker {
	return r.presence
}

// Dispatch runs the operation for msg. Failures are reported to conn as an
// error event and returned for logging; they never affect other connections.
func (r *Relay) Dispatch(ctx context.Context, conn Conn, msg Message) error {
	var err error
	switch m := msg.(type) {
	case JoinRoom:
		err = r.Join(ctx, conn, m.RoomID, m.UserID)
	case CallUser:
		err = r.RelayOffer(conn, m.UserID, *m.Offer)
	case CallAccepted:
		err = r.RelayAnswer(conn, m.UserID, *m.Ans)
	case ICECandidate:
		err = r.RelayICECandidate(conn, m.UserID, *m.Candidate)
	case EndCall:
		err = r.EndCall(conn, m.To)
	default:
		err = fmt.Errorf("%w: unsupported message %T", ErrInvalidEvent, msg)
	}
	if err != nil {
		r.reject(conn, err)
	}
	return err
}

// Join binds conn to a participant id and adds it to roomID. The joiner gets
// joined-room; every other member present at that moment gets user-joined.
//
// On an authenticated connection the participant id is the identity's user
// id; a differing userId is refused. Otherwise userId is required.
func (r *Relay) Join(ctx context.Context, conn Conn, roomID, userID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidEvent)
	}
	participantID, err := r.participantFor(conn, userID)
	if err != nil {
		return err
	}

	others := r.registry.join(conn, roomID, participantID)
	r.metrics.Joined()
	r.log.Info("participant joined room",
		"room_id", roomID,
		"participant_id", participantID,
		"conn_id", conn.ID(),
		"room_members_before", len(others),
	)

	r.updatePresence(ctx, participantID, true)

	r.send(conn, Event{Name: EventJoinedRoom, Data: JoinedRoom{RoomID: roomID}})
	notice := Event{Name: EventUserJoined, Data: UserJoined{UserID: participantID}}
	for _, other := range others {
		r.send(other, notice)
	}
	return nil
}

func (r *Relay) participantFor(conn Conn, userID string) (string, error) {
	if id := conn.Identity(); id != nil {
		if userID != "" && userID != id.UserID {
			r.log.Warn("join with mismatched identity",
				"conn_id", conn.ID(),
				"participant_id", id.UserID,
				"claimed_user_id", userID,
			)
			return "", ErrIdentityMismatch
		}
		return id.UserID, nil
	}
	if userID == "" {
		return "", fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}
	return userID, nil
}

// RelayOffer forwards an offer to target as incoming-call tagged with the
// caller's id. An unknown target is reported back to the caller as
// user-unavailable.
func (r *Relay) RelayOffer(conn Conn, target string, offer SessionDescription) error {
	from, delivered, err := r.forward(conn, EventCallUser, target, func(from string) Event {
		return Event{Name: EventIncomingCall, Data: IncomingCall{From: from, Offer: offer}}
	})
	if err != nil {
		return err
	}
	if !delivered {
		r.log.Info("call target unavailable", "participant_id", from, "target_id", target)
		r.send(conn, Event{Name: EventUserUnavailable, Data: UserUnavailable{UserID: target}})
	}
	return nil
}

func (r *Relay) RelayAnswer(conn Conn, target string, ans SessionDescription) error {
	_, _, err := r.forward(conn, EventCallAccepted, target, func(string) Event {
		return Event{Name: EventCallAccepted, Data: CallAnswered{Ans: ans}}
	})
	return err
}

// RelayICECandidate forwards candidates as they come; no dedup or reordering.
func (r *Relay) RelayICECandidate(conn Conn, target string, candidate Candidate) error {
	_, _, err := r.forward(conn, EventICECandidate, target, func(string) Event {
		return Event{Name: EventICECandidate, Data: RemoteCandidate{Candidate: candidate}}
	})
	return err
}

// EndCall forwards call-ended without checking that the two were in a call.
func (r *Relay) EndCall(conn Conn, target string) error {
	_, _, err := r.forward(conn, EventEndCall, target, func(string) Event {
		return Event{Name: EventCallEnded}
	})
	return err
}

func (r *Relay) forward(conn Conn, event, target string, build func(from string) Event) (string, bool, error) {
	from, ok := r.registry.ParticipantOf(conn)
	if !ok {
		return "", false, ErrNotJoined
	}
	dst, ok := r.registry.Lookup(target)
	if !ok {
		r.metrics.RoutingMiss(event)
		r.log.Debug("routing miss", "event", event, "participant_id", from, "target_id", target)
		return from, false, nil
	}
	r.send(dst, build(from))
	r.metrics.Forwarded(event)
	return from, true, nil
}

// Disconnect removes conn from the routing tables and every room. Nobody is
// notified; a departing client that wants its peer told sends end-call first.
func (r *Relay) Disconnect(ctx context.Context, conn Conn) {
	participantID, ok := r.registry.remove(conn)
	if !ok {
		return
	}
	r.log.Info("participant disconnected", "participant_id", participantID, "conn_id", conn.ID())
	r.updatePresence(ctx, participantID, false)
}

// Notify pushes a server-originated event to a connected participant. It
// reports whether the participant was connected; nothing is buffered.
func (r *Relay) Notify(participantID string, ev Event) bool {
	conn, ok := r.registry.Lookup(participantID)
	if ok {
		r.send(conn, ev)
	}
	r.metrics.Notified(ev.Name, ok)
	return ok
}

func (r *Relay) send(conn Conn, ev Event) {
	if err := conn.Send(ev); err != nil {
		r.log.Debug("signaling send failed", "conn_id", conn.ID(), "event", ev.Name, "err", err)
	}
}

func (r *Relay) reject(conn Conn, err error) {
	code, reason := ErrorCodeInvalidEvent, metrics.RejectReasonInvalidEvent
	switch {
	case errors.Is(err, ErrIdentityMismatch):
		code, reason = ErrorCodeIdentityMismatch, metrics.RejectReasonIdentityMismatch
	case errors.Is(err, ErrNotJoined):
		code, reason = ErrorCodeNotJoined, metrics.RejectReasonNotJoined
	}
	r.metrics.Rejected(reason)
	r.send(conn, errorEvent(code, err.Error()))
}

func (r *Relay) updatePresence(ctx context.Context, participantID string, online bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()

	var err error
	if online {
		err = r.presence.Online(ctx, participantID)
	} else {
		err = r.presence.Offline(ctx, participantID)
	}
	if err != nil {
		r.log.Warn("presence update failed", "participant_id", participantID, "online", online, "err", err)
	}
}

// touchPresence refreshes presence for conn's participant on keepalive.
func (r *Relay) touchPresence(ctx context.Context, conn Conn) {
	participantID, ok := r.registry.ParticipantOf(conn)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := r.presence.Touch(ctx, participantID); err != nil {
		r.log.Debug("presence touch failed", "participant_id", participantID, "err", err)
	}
}
