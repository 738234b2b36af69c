package callclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthkiosk/telehealth-signaling/internal/signaling"
)

func startRelay(t *testing.T) (string, *signaling.Server) {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", srv
}

func opusTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "kiosk")
	require.NoError(t, err)
	return track
}

func dial(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_CallSetupBetweenTwoKiosks(t *testing.T) {
	url, srv := startRelay(t)

	var doctorActive, patientActive atomic.Bool
	joined := make(chan string, 2)

	doctor := dial(t, url, Options{
		Tracks:       []webrtc.TrackLocal{opusTrack(t, "doctor-audio")},
		OnJoined:     func(room string) { joined <- room },
		OnCallActive: func() { doctorActive.Store(true) },
	})
	require.NoError(t, doctor.Join("consult-1", "doctor"))
	require.Equal(t, "consult-1", <-joined)

	patient := dial(t, url, Options{
		Subprotocol:  signaling.SubprotocolMsgpack,
		Tracks:       []webrtc.TrackLocal{opusTrack(t, "patient-audio")},
		OnJoined:     func(room string) { joined <- room },
		OnCallActive: func() { patientActive.Store(true) },
	})
	require.NoError(t, patient.Join("consult-1", "patient"))
	require.Equal(t, "consult-1", <-joined)

	require.Eventually(t, func() bool {
		return doctor.Negotiator().CallActive() && patient.Negotiator().CallActive() &&
			doctor.Negotiator().SignalingState() == webrtc.SignalingStateStable &&
			patient.Negotiator().SignalingState() == webrtc.SignalingStateStable
	}, 10*time.Second, 20*time.Millisecond)

	assert.True(t, doctorActive.Load())
	assert.True(t, patientActive.Load())
	assert.Equal(t, "patient", doctor.Negotiator().RemoteParticipant())
	assert.Equal(t, "doctor", patient.Negotiator().RemoteParticipant())
	assert.Equal(t, int64(0), doctor.Negotiator().CandidateFailures())

	participants, conns := srv.Relay().Registry().Len()
	assert.Equal(t, 2, participants)
	assert.Equal(t, 2, conns)
}

func TestClient_CallToOfflineUserIsUnavailable(t *testing.T) {
	url, _ := startRelay(t)

	unavailable := make(chan string, 1)
	joined := make(chan string, 1)
	c := dial(t, url, Options{
		Tracks:        []webrtc.TrackLocal{opusTrack(t, "audio")},
		OnJoined:      func(room string) { joined <- room },
		OnUnavailable: func(userID string) { unavailable <- userID },
	})
	require.NoError(t, c.Join("consult-2", "patient"))
	<-joined

	require.NoError(t, c.Call("ghost"))
	select {
	case id := <-unavailable:
		assert.Equal(t, "ghost", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no user-unavailable for an offline target")
	}
}

func TestClient_EndCallNotifiesPeer(t *testing.T) {
	url, _ := startRelay(t)

	ended := make(chan struct{}, 1)
	joined := make(chan string, 2)
	doctor := dial(t, url, Options{
		Tracks:   []webrtc.TrackLocal{opusTrack(t, "doctor-audio")},
		OnJoined: func(room string) { joined <- room },
		OnEnded:  func() { ended <- struct{}{} },
	})
	require.NoError(t, doctor.Join("consult-3", "doctor"))
	<-joined

	patient := dial(t, url, Options{
		Tracks:   []webrtc.TrackLocal{opusTrack(t, "patient-audio")},
		OnJoined: func(room string) { joined <- room },
	})
	require.NoError(t, patient.Join("consult-3", "patient"))
	<-joined

	require.Eventually(t, func() bool {
		return patient.Negotiator().CallActive()
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, patient.EndCall())
	assert.False(t, patient.Negotiator().CallActive())

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("doctor never saw call-ended")
	}
	assert.False(t, doctor.Negotiator().CallActive())
}

func TestClient_RelayErrorsReachCallback(t *testing.T) {
	url, _ := startRelay(t)

	errs := make(chan signaling.ErrorInfo, 1)
	c := dial(t, url, Options{
		Tracks:  []webrtc.TrackLocal{opusTrack(t, "audio")},
		OnError: func(e signaling.ErrorInfo) {
			select {
			case errs <- e:
			default:
			}
		},
	})

	// Relaying before joining a room is refused.
	require.NoError(t, c.Call("doctor"))
	select {
	case e := <-errs:
		assert.Equal(t, signaling.ErrorCodeNotJoined, e.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
}

func TestClient_CloseEndsSession(t *testing.T) {
	url, srv := startRelay(t)

	joined := make(chan string, 1)
	c := dial(t, url, Options{OnJoined: func(room string) { joined <- room }})
	require.NoError(t, c.Join("consult-4", "patient"))
	<-joined

	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Join("consult-4", "patient"), ErrClosed)

	require.Eventually(t, func() bool {
		p, n := srv.Relay().Registry().Len()
		return p == 0 && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}
