// Package callclient is the kiosk side of a consultation call: it speaks the
// signaling protocol over a WebSocket and drives a webrtcpeer.Negotiator from
// the relayed events.
package callclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/healthkiosk/telehealth-signaling/internal/signaling"
	"github.com/healthkiosk/telehealth-signaling/internal/webrtcpeer"
)

const (
	writeWait        = 1 * time.Second
	handshakeTimeout = 10 * time.Second
	// maxMessageSize matches the relay's default read limit.
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("call client closed")

type Options struct {
	// Token is sent as `Authorization: Bearer <token>` when set.
	Token string
	// Subprotocol selects the wire codec; empty means JSON.
	Subprotocol string
	Header      http.Header

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Tracks are attached before any negotiation so the first offer or
	// answer carries them.
	Tracks []webrtc.TrackLocal

	Logger *slog.Logger

	OnJoined       func(roomID string)
	OnPeerJoined   func(userID string)
	OnIncomingCall func(from string)
	OnCallActive   func()
	OnRemoteStream func(webrtcpeer.RemoteStream)
	OnUnavailable  func(userID string)
	OnError        func(signaling.ErrorInfo)
	OnEnded        func()
	// OnNotification receives server-originated events the call flow does
	// not consume, such as consultation updates.
	OnNotification func(signaling.ServerMessage)
	OnDisconnect   func(error)
}

// Client is one participant's signaling session with its PeerConnection.
//
// Incoming events are handled on a single read goroutine, in order. Outbound
// frames are written synchronously under a lock.
type Client struct {
	ws    *websocket.Conn
	codec signaling.Codec
	neg   *webrtcpeer.Negotiator
	opts  Options
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu           sync.Mutex
	pendingLocal []webrtc.ICECandidateInit

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the relay at url (ws:// or wss://, path /ws) and starts
// reading events. Join must be called to enter a room.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proto := opts.Subprotocol
	if proto == "" {
		proto = signaling.SubprotocolJSON
	}

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{proto},
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Client{
		ws:    ws,
		codec: signaling.CodecForSubprotocol(ws.Subprotocol()),
		opts:  opts,
		log:   logger,
		done:  make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	neg, err := webrtcpeer.NewNegotiator(webrtcpeer.Config{
		API:        opts.API,
		ICEServers: opts.ICEServers,
		Signaler:   c,
		Logger:     logger,
	})
	if err != nil {
		_ = ws.Close()
		c.cancel()
		return nil, err
	}
	c.neg = neg
	neg.OnLocalCandidate(c.sendLocalCandidate)
	if opts.OnRemoteStream != nil {
		neg.OnRemoteStream(opts.OnRemoteStream)
	}
	if len(opts.Tracks) > 0 {
		if err := neg.SendStream(opts.Tracks...); err != nil {
			_ = neg.Close()
			_ = ws.Close()
			c.cancel()
			return nil, err
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) Negotiator() *webrtcpeer.Negotiator {
	return c.neg
}

// Done is closed once the signaling connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Join enters roomID. userID may be empty when the token carries the
// identity.
func (c *Client) Join(roomID, userID string) error {
	return c.send(signaling.Event{Name: signaling.EventJoinRoom, Data: signaling.JoinRoom{RoomID: roomID, UserID: userID}})
}

// Call places an offer to userID directly, without waiting for user-joined.
func (c *Client) Call(userID string) error {
	c.setRemote(userID)
	offer, err := c.neg.CreateOffer(c.ctx)
	if err != nil {
		return err
	}
	return c.SendOffer(userID, offer)
}

// SendOffer implements webrtcpeer.Signaler.
func (c *Client) SendOffer(target string, offer webrtc.SessionDescription) error {
	desc := signaling.SessionDescriptionFromPion(offer)
	return c.send(signaling.Event{Name: signaling.EventCallUser, Data: signaling.CallUser{UserID: target, Offer: &desc}})
}

// SendStream attaches more tracks mid-call; see webrtcpeer.Negotiator.
func (c *Client) SendStream(tracks ...webrtc.TrackLocal) error {
	return c.neg.SendStream(tracks...)
}

// EndCall tells the remote participant the call is over and closes the
// PeerConnection. The signaling connection stays open.
func (c *Client) EndCall() error {
	var err error
	if remote := c.neg.RemoteParticipant(); remote != "" {
		err = c.send(signaling.Event{Name: signaling.EventEndCall, Data: signaling.EndCall{To: remote}})
	}
	if cerr := c.neg.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the PeerConnection and the signaling connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return c.neg.Close()
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.cancel()
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Client) send(ev signaling.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	b, err := c.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(c.codec.FrameType(), b); err != nil {
		return fmt.Errorf("write %s: %w", ev.Name, err)
	}
	return nil
}

func (c *Client) setRemote(userID string) {
	c.neg.SetRemoteParticipant(userID)

	c.mu.Lock()
	pending := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()
	for _, cand := range pending {
		c.sendCandidate(userID, cand)
	}
}

func (c *Client) sendLocalCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	remote := c.neg.RemoteParticipant()
	if remote == "" {
		c.pendingLocal = append(c.pendingLocal, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(remote, cand)
}

func (c *Client) sendCandidate(target string, cand webrtc.ICECandidateInit) {
	wire := signaling.CandidateFromPion(cand)
	err := c.send(signaling.Event{Name: signaling.EventICECandidate, Data: signaling.ICECandidate{UserID: target, Candidate: &wire}})
	if err != nil {
		c.log.Debug("local candidate not sent", "target_id", target, "err", err)
	}
}

func (c *Client) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			c.shutdown(err)
			if c.opts.OnDisconnect != nil {
				c.opts.OnDisconnect(err)
			}
			return
		}
		if msgType != c.codec.FrameType() {
			c.log.Warn("unexpected frame type from relay", "frame_type", msgType)
			continue
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			c.log.Warn("undecodable event from relay", "err", err)
			continue
		}
		msg, err := signaling.ParseServerMessage(env)
		if err != nil {
			c.log.Warn("invalid event from relay", "event", env.Name, "err", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg signaling.ServerMessage) {
	switch data := msg.Data.(type) {
	case signaling.JoinedRoom:
		c.log.Info("joined room", "room_id", data.RoomID)
		if c.opts.OnJoined != nil {
			c.opts.OnJoined(data.RoomID)
		}
	case signaling.UserJoined:
		c.log.Info("peer joined", "participant_id", data.UserID)
		if c.opts.OnPeerJoined != nil {
			c.opts.OnPeerJoined(data.UserID)
		}
		if err := c.Call(data.UserID); err != nil {
			c.log.Warn("offer to joined peer failed", "participant_id", data.UserID, "err", err)
		}
	case signaling.IncomingCall:
		c.handleIncomingCall(data)
	case signaling.CallAnswered:
		c.handleAnswer(data)
	case signaling.RemoteCandidate:
		c.neg.AddICECandidate(data.Candidate.ToPion())
	case signaling.UserUnavailable:
		c.log.Info("call target unavailable", "participant_id", data.UserID)
		if c.opts.OnUnavailable != nil {
			c.opts.OnUnavailable(data.UserID)
		}
	case signaling.ErrorInfo:
		c.log.Warn("relay reported error", "code", data.Code, "message", data.Message)
		if c.opts.OnError != nil {
			c.opts.OnError(data)
		}
	default:
		if msg.Name == signaling.EventCallEnded {
			c.log.Info("call ended by peer", "participant_id", c.neg.RemoteParticipant())
			_ = c.neg.Close()
			if c.opts.OnEnded != nil {
				c.opts.OnEnded()
			}
			return
		}
		if c.opts.OnNotification != nil {
			c.opts.OnNotification(msg)
		}
	}
}

func (c *Client) handleIncomingCall(call signaling.IncomingCall) {
	if c.opts.OnIncomingCall != nil {
		c.opts.OnIncomingCall(call.From)
	}
	offer, err := call.Offer.ToPion()
	if err != nil {
		c.log.Warn("invalid offer", "participant_id", call.From, "err", err)
		return
	}
	// Glare: a remote offer while our own is outstanding is dropped, so the
	// remote id must not move to the new caller.
	if c.neg.SignalingState() == webrtc.SignalingStateStable {
		c.setRemote(call.From)
	}
	answer, err := c.neg.CreateAnswer(c.ctx, offer)
	if err != nil {
		c.log.Info("incoming offer not answered", "participant_id", call.From, "err", err)
		return
	}
	desc := signaling.SessionDescriptionFromPion(answer)
	if err := c.send(signaling.Event{Name: signaling.EventCallAccepted, Data: signaling.CallAccepted{UserID: call.From, Ans: &desc}}); err != nil {
		c.log.Warn("answer not sent", "participant_id", call.From, "err", err)
		return
	}
	if c.opts.OnCallActive != nil {
		c.opts.OnCallActive()
	}
}

func (c *Client) handleAnswer(ans signaling.CallAnswered) {
	answer, err := ans.Ans.ToPion()
	if err != nil {
		c.log.Warn("invalid answer", "err", err)
		return
	}
	wasActive := c.neg.CallActive()
	if err := c.neg.SetRemoteAnswer(c.ctx, answer); err != nil {
		c.log.Warn("remote answer not applied", "err", err)
		return
	}
	if !wasActive && c.neg.CallActive() && c.opts.OnCallActive != nil {
		c.opts.OnCallActive()
	}
}
