package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNotOffer       = errors.New("session description is not an offer")
	ErrNotAnswer      = errors.New("session description is not an answer")
	ErrSignalingState = errors.New("unexpected signaling state")
	ErrClosed         = errors.New("negotiator closed")
)

// Signaler delivers renegotiation offers to the remote participant.
type Signaler interface {
	SendOffer(target string, offer webrtc.SessionDescription) error
}

// RemoteStream is the latest inbound media stream announced by the remote
// side.
type RemoteStream struct {
	ID     string
	Tracks []*webrtc.TrackRemote
}

type Config struct {
	// API defaults to NewAPI(APIConfig{Logger: Logger}).
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Logger     *slog.Logger
}

// Negotiator drives one PeerConnection through offer/answer exchanges.
//
// Only two cycles are supported, local-offer and remote-offer, and both must
// start in stable. An offer arriving while a local offer is outstanding is
// rejected rather than rolled back; there is no polite-peer designation.
type Negotiator struct {
	pc       *webrtc.PeerConnection
	signaler Signaler
	log      *slog.Logger

	mu       sync.Mutex
	remoteID string
	pending  []webrtc.ICECandidateInit
	closed   bool

	cbMu        sync.Mutex
	onCandidate func(webrtc.ICECandidateInit)
	onStream    func(RemoteStream)
	stream      *RemoteStream

	callActive        atomic.Bool
	candidateFailures atomic.Int64
}

func NewNegotiator(cfg Config) (*Negotiator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(APIConfig{Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	n := &Negotiator{
		pc:       pc,
		signaler: cfg.Signaler,
		log:      logger,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.cbMu.Lock()
		cb := n.onCandidate
		n.cbMu.Unlock()
		if cb != nil {
			cb(c.ToJSON())
		}
	})
	pc.OnTrack(n.handleTrack)
	pc.OnNegotiationNeeded(func() {
		// Runs on pion's operations goroutine; never block it on our lock.
		go n.renegotiate()
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		n.log.Debug("signaling state changed", "signaling_state", state.String())
	})

	return n, nil
}

func (n *Negotiator) PeerConnection() *webrtc.PeerConnection {
	return n.pc
}

// CreateOffer creates an offer and applies it as the local description.
func (n *Negotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return n.createOfferLocked()
}

func (n *Negotiator) createOfferLocked() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies a remote offer and returns the local answer. Offers
// received outside stable are discarded with ErrSignalingState and leave the
// connection untouched.
func (n *Negotiator) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if offer.Type != webrtc.SDPTypeOffer {
		n.log.Warn("ignoring remote description: not an offer", "sdp_type", offer.Type.String())
		return webrtc.SessionDescription{}, ErrNotOffer
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		n.log.Warn("ignoring remote offer: negotiation already in progress",
			"signaling_state", state.String(),
			"remote_participant_id", n.remoteID,
		)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrSignalingState, state)
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	n.flushPendingLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err == nil {
		err = n.pc.SetLocalDescription(answer)
	}
	if err != nil {
		if rbErr := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); rbErr != nil {
			n.log.Warn("rollback after failed answer", "err", rbErr)
		}
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	n.callActive.Store(true)
	return answer, nil
}

// SetRemoteAnswer completes a local-offer cycle. A repeated answer arriving
// after the cycle finished is dropped and reported as success.
func (n *Negotiator) SetRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		n.log.Warn("ignoring remote description: not an answer", "sdp_type", answer.Type.String())
		return ErrNotAnswer
	}
	switch state := n.pc.SignalingState(); state {
	case webrtc.SignalingStateHaveLocalOffer:
	case webrtc.SignalingStateStable:
		n.log.Debug("discarding duplicate remote answer", "remote_participant_id", n.remoteID)
		return nil
	default:
		n.log.Warn("ignoring remote answer", "signaling_state", state.String())
		return fmt.Errorf("%w: %s", ErrSignalingState, state)
	}

	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushPendingLocked()
	n.callActive.Store(true)
	return nil
}

// SendStream attaches tracks for transmission. Once a remote description
// exists pion reports negotiation-needed and a fresh offer goes to the remote
// participant through the Signaler.
func (n *Negotiator) SendStream(tracks ...webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	for _, track := range tracks {
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps interceptors (NACK, reports) running for sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (n *Negotiator) renegotiate() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	remote := n.remoteID
	switch {
	case remote == "":
		n.mu.Unlock()
		n.log.Info("renegotiation skipped: no remote participant")
		return
	case n.pc.RemoteDescription() == nil:
		// The initial exchange is still pending and will carry the tracks.
		n.mu.Unlock()
		return
	case n.pc.SignalingState() != webrtc.SignalingStateStable:
		n.mu.Unlock()
		n.log.Debug("renegotiation deferred", "signaling_state", n.pc.SignalingState().String())
		return
	}
	offer, err := n.createOfferLocked()
	n.mu.Unlock()
	if err != nil {
		n.log.Warn("renegotiation offer failed", "err", err)
		return
	}
	if n.signaler == nil {
		n.log.Warn("renegotiation offer not sent: no signaler", "remote_participant_id", remote)
		return
	}
	if err := n.signaler.SendOffer(remote, offer); err != nil {
		n.log.Warn("renegotiation offer not sent", "remote_participant_id", remote, "err", err)
	}
}

// AddICECandidate applies a remote candidate. Candidates that arrive before
// any remote description are held and applied once one is set. Failures are
// logged and counted, never returned.
func (n *Negotiator) AddICECandidate(candidate webrtc.ICECandidateInit) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.candidateFailures.Add(1)
		n.log.Debug("dropping ice candidate: negotiator closed")
		return
	}
	if n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, candidate)
		n.log.Debug("buffering ice candidate until remote description", "buffered", len(n.pending))
		return
	}
	n.addCandidateLocked(candidate)
}

func (n *Negotiator) addCandidateLocked(candidate webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(candidate); err != nil {
		n.candidateFailures.Add(1)
		n.log.Warn("add ice candidate failed", "candidate", candidate.Candidate, "err", err)
	}
}

func (n *Negotiator) flushPendingLocked() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		n.addCandidateLocked(c)
	}
}

// CandidateFailures counts remote candidates that could not be applied.
func (n *Negotiator) CandidateFailures() int64 {
	return n.candidateFailures.Load()
}

func (n *Negotiator) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	n.cbMu.Lock()
	if n.stream == nil || n.stream.ID != track.StreamID() {
		n.stream = &RemoteStream{ID: track.StreamID()}
	}
	n.stream.Tracks = append(n.stream.Tracks, track)
	snapshot := RemoteStream{ID: n.stream.ID, Tracks: append([]*webrtc.TrackRemote(nil), n.stream.Tracks...)}
	cb := n.onStream
	n.cbMu.Unlock()

	n.log.Info("remote track",
		"stream_id", track.StreamID(),
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)
	if cb != nil {
		cb(snapshot)
	}
}

// OnRemoteStream registers the callback fired each time the remote stream
// changes. Only the most recent stream is kept.
func (n *Negotiator) OnRemoteStream(f func(RemoteStream)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onStream = f
}

func (n *Negotiator) RemoteStream() (RemoteStream, bool) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	if n.stream == nil {
		return RemoteStream{}, false
	}
	return RemoteStream{ID: n.stream.ID, Tracks: append([]*webrtc.TrackRemote(nil), n.stream.Tracks...)}, true
}

// OnLocalCandidate registers the trickle callback for gathered candidates.
func (n *Negotiator) OnLocalCandidate(f func(webrtc.ICECandidateInit)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onCandidate = f
}

func (n *Negotiator) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	n.pc.OnConnectionStateChange(f)
}

// CallActive reports whether an offer/answer cycle has completed.
func (n *Negotiator) CallActive() bool {
	return n.callActive.Load()
}

func (n *Negotiator) SetRemoteParticipant(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.remoteID = id
}

func (n *Negotiator) RemoteParticipant() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteID
}

func (n *Negotiator) SignalingState() webrtc.SignalingState {
	return n.pc.SignalingState()
}

func (n *Negotiator) LocalDescription() *webrtc.SessionDescription {
	return n.pc.LocalDescription()
}

func (n *Negotiator) RemoteDescription() *webrtc.SessionDescription {
	return n.pc.RemoteDescription()
}

// Close tears down the PeerConnection. Further operations return ErrClosed.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.pending = nil
	n.mu.Unlock()

	n.callActive.Store(false)
	return n.pc.Close()
}
