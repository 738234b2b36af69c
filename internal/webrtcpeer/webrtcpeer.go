package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIConfig carries the client-side network knobs for pion. The zero value
// gathers on every interface with ephemeral ports.
type APIConfig struct {
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs advertises these addresses as host candidates, for kiosks
	// behind a static 1:1 NAT.
	NAT1To1IPs []string

	// Net replaces the OS network stack, e.g. with a vnet for tests.
	Net transport.Net

	// Logger receives pion's internal logs. nil uses slog.Default().
	Logger *slog.Logger
}

// NewAPI builds a pion API with the default audio/video codecs and
// interceptors, so tracks added by SendStream negotiate the usual payload
// types.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	se.LoggerFactory = NewLoggerFactory(logger)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)
	return api, nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg APIConfig) error {
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if cfg.UDPPortMin == 0 || cfg.UDPPortMax < cfg.UDPPortMin {
			return fmt.Errorf("invalid udp port range %d-%d", cfg.UDPPortMin, cfg.UDPPortMax)
		}
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	return nil
}
