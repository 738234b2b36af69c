package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

var (
	flagTokenSecret string
	flagTokenIssuer string
	flagTokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development participant token",
	Long: `Mint an HS256 participant token signed with the server's JWT secret.

The token is printed alone on stdout so it can be captured:

  export KIOSK_TOKEN=$(kiosk-peer token --user doc1 --role doctor)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagUser == "" {
			return errors.New("--user is required")
		}
		if flagTokenSecret == "" {
			return errors.New("--jwt-secret (or JWT_SECRET) is required")
		}
		role, err := auth.ParseRole(flagRole)
		if err != nil {
			return err
		}
		issuer, err := auth.NewIssuer(flagTokenSecret, flagTokenIssuer, flagTokenTTL)
		if err != nil {
			return err
		}
		token, exp, err := issuer.Issue(auth.Identity{UserID: flagUser, Role: role})
		if err != nil {
			return err
		}
		fmt.Println(token)
		pterm.Info.WithWriter(os.Stderr).Printfln("Token for %s (%s) expires %s", flagUser, role, exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&flagTokenSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	f.StringVar(&flagTokenIssuer, "jwt-issuer", envOr("JWT_ISSUER", config.DefaultJWTIssuer), "issuer claim")
	f.DurationVar(&flagTokenTTL, "ttl", 12*time.Hour, "token lifetime")
}
