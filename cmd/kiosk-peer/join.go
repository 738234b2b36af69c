package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/healthkiosk/telehealth-signaling/internal/callclient"
	"github.com/healthkiosk/telehealth-signaling/internal/signaling"
	"github.com/healthkiosk/telehealth-signaling/internal/webrtcpeer"
)

var (
	flagJoinCall    string
	flagJoinMsgpack bool
	flagJoinNoMedia bool
	flagUDPPortMin  uint16
	flagUDPPortMax  uint16
	flagNAT1To1IPs  []string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a consultation room and hold a call until interrupted",
	Long: `Join a consultation room over the signaling WebSocket.

Participants already in the room receive user-joined and call this peer; use
--call to place the offer explicitly instead.

Examples:
  kiosk-peer join consult-42 --user kiosk-7
  kiosk-peer join consult-42 --token $KIOSK_TOKEN --call doc1
  kiosk-peer join consult-42 --user doc1 --role doctor --msgpack`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return joinRoom(ctx, args[0])
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagJoinCall, "call", "", "participant id to call once joined")
	f.BoolVar(&flagJoinMsgpack, "msgpack", false, "use the msgpack signaling subprotocol")
	f.BoolVar(&flagJoinNoMedia, "no-media", false, "do not send the synthetic audio track")
	f.Uint16Var(&flagUDPPortMin, "udp-port-min", 0, "lowest local UDP port for ICE (0 = ephemeral)")
	f.Uint16Var(&flagUDPPortMax, "udp-port-max", 0, "highest local UDP port for ICE (0 = ephemeral)")
	f.StringSliceVar(&flagNAT1To1IPs, "nat-1to1-ip", nil, "public IP to advertise for host candidates (repeatable)")
}

func joinRoom(ctx context.Context, roomID string) error {
	if flagToken == "" && flagUser == "" {
		return errors.New("either --token or --user is required")
	}
	wsURL, err := signalingURL(flagServer)
	if err != nil {
		return err
	}

	logger := newLogger()
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{
		UDPPortMin: flagUDPPortMin,
		UDPPortMax: flagUDPPortMax,
		NAT1To1IPs: flagNAT1To1IPs,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rest := newAPIClient()
	iceServers, err := rest.iceServers(ctx)
	if err != nil {
		pterm.Warning.Printfln("Continuing with host candidates only: %v", err)
	}

	var tracks []webrtc.TrackLocal
	var audio *webrtc.TrackLocalStaticSample
	if !flagJoinNoMedia {
		audio, err = newSilentAudioTrack("kiosk")
		if err != nil {
			return err
		}
		tracks = append(tracks, audio)
	}

	joined := make(chan string, 1)
	ended := make(chan struct{}, 1)
	proto := signaling.SubprotocolJSON
	if flagJoinMsgpack {
		proto = signaling.SubprotocolMsgpack
	}

	spinner, _ := pterm.DefaultSpinner.Start("Connecting to " + wsURL)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := callclient.Dial(dialCtx, wsURL, callclient.Options{
		Token:       flagToken,
		Subprotocol: proto,
		API:         api,
		ICEServers:  iceServers,
		Tracks:      tracks,
		Logger:      logger,
		OnJoined: func(room string) {
			joined <- room
		},
		OnPeerJoined: func(userID string) {
			pterm.Info.Printfln("%s joined the room, calling", userID)
		},
		OnIncomingCall: func(from string) {
			pterm.Info.Printfln("Incoming call from %s", from)
		},
		OnCallActive: func() {
			pterm.Success.Println("Call active")
		},
		OnRemoteStream: func(s webrtcpeer.RemoteStream) {
			pterm.Info.Printfln("Receiving stream %s (%d tracks)", s.ID, len(s.Tracks))
		},
		OnUnavailable: func(userID string) {
			pterm.Warning.Printfln("%s is not connected", userID)
		},
		OnError: func(e signaling.ErrorInfo) {
			pterm.Error.Printfln("Relay error %s: %s", e.Code, e.Message)
		},
		OnEnded: func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
		OnNotification: func(msg signaling.ServerMessage) {
			pterm.Info.Printfln("Notification: %s", msg.Name)
		},
	})
	cancel()
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	defer client.Close()
	spinner.Success("Connected")

	client.Negotiator().OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pterm.Debug.Printfln("Peer connection %s", state.String())
	})

	if err := client.Join(roomID, flagUser); err != nil {
		return err
	}
	select {
	case room := <-joined:
		pterm.Success.Printfln("Joined room %s", room)
	case <-client.Done():
		return fmt.Errorf("signaling closed before joining: %v", client.Err())
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for joined-room")
	case <-ctx.Done():
		return nil
	}

	if audio != nil {
		go pumpSilence(ctx, audio)
	}
	if flagJoinCall != "" {
		if err := client.Call(flagJoinCall); err != nil {
			return fmt.Errorf("call %s: %w", flagJoinCall, err)
		}
	}

	select {
	case <-ctx.Done():
		pterm.Info.Println("Hanging up")
		if err := client.EndCall(); err != nil {
			pterm.Debug.Printfln("end-call: %v", err)
		}
	case <-ended:
		pterm.Info.Println("Call ended by peer")
	case <-client.Done():
		if err := client.Err(); err != nil {
			return fmt.Errorf("signaling connection lost: %w", err)
		}
	}
	return nil
}
