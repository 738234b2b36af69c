package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagServer string
	flagToken  string
	flagUser   string
	flagRole   string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:     "kiosk-peer",
	Short:   "Join telehealth consultation rooms and manage requests from the terminal",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		pterm.DefaultLogger.ShowTime = true
		pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
		if flagDebug {
			pterm.DefaultLogger.Level = pterm.LogLevelDebug
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", envOr("KIOSK_SERVER_URL", "http://127.0.0.1:8080"), "signaling server base URL")
	pf.StringVar(&flagToken, "token", os.Getenv("KIOSK_TOKEN"), "participant JWT (omit with AUTH_MODE=none)")
	pf.StringVar(&flagUser, "user", "", "participant id (AUTH_MODE=none only)")
	pf.StringVar(&flagRole, "role", "patient", "participant role for dev identity headers: patient or doctor")
	pf.BoolVar(&flagDebug, "debug", false, "enable debug logging, including pion internals")

	rootCmd.AddCommand(joinCmd, tokenCmd, requestsCmd, requestCmd, consultCmd)
}

func execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

// newLogger routes slog output, pion's included, through pterm's logger.
func newLogger() *slog.Logger {
	return slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// signalingURL maps the server base URL to its /ws endpoint.
func signalingURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("invalid --server: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid --server scheme %q (expected http, https, ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid --server: missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
