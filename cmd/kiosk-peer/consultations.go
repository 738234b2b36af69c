package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/healthkiosk/telehealth-signaling/internal/consultation"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List consultation requests waiting for the calling doctor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
		defer cancel()

		var out struct {
			Consultations []consultation.Consultation `json:"consultations"`
		}
		if err := newAPIClient().do(ctx, http.MethodGet, "/api/consultations/requests", nil, &out); err != nil {
			return err
		}
		if len(out.Consultations) == 0 {
			pterm.Info.Println("No pending consultation requests")
			return nil
		}
		renderConsultations(os.Stdout, out.Consultations, time.Now())
		return nil
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <doctor-id>",
	Short: "Request a consultation with a doctor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
		defer cancel()

		var out struct {
			Consultation consultation.Consultation `json:"consultation"`
		}
		body := map[string]string{"doctorId": args[0]}
		if err := newAPIClient().do(ctx, http.MethodPost, "/api/consultations", body, &out); err != nil {
			return err
		}
		pterm.Success.Printfln("Requested consultation %s with %s", out.Consultation.ID, out.Consultation.DoctorID)
		return nil
	},
}

var consultCmd = &cobra.Command{
	Use:       "consult <accept|reject|cancel|complete> <consultation-id>",
	Short:     "Move a consultation to its next status",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"accept", "reject", "cancel", "complete"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action, id := args[0], args[1]
		switch action {
		case "accept", "reject", "cancel", "complete":
		default:
			return fmt.Errorf("unknown action %q", action)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
		defer cancel()

		var out struct {
			Consultation consultation.Consultation `json:"consultation"`
		}
		path := "/api/consultations/" + url.PathEscape(id) + "/" + action
		if err := newAPIClient().do(ctx, http.MethodPost, path, nil, &out); err != nil {
			return err
		}
		pterm.Success.Printfln("Consultation %s is now %s", out.Consultation.ID, out.Consultation.Status)
		return nil
	},
}

func renderConsultations(w io.Writer, cs []consultation.Consultation, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Patient", "Status", "Requested", "Waiting"})
	for _, c := range cs {
		t.AppendRow(table.Row{
			c.ID,
			c.PatientID,
			c.Status,
			c.RequestTime.Local().Format("02 Jan 15:04"),
			now.Sub(c.RequestTime).Truncate(time.Second).String(),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(cs)})
	t.Render()
}
