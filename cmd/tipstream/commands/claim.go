package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tipstream/tipstream/internal/claim"
	"github.com/tipstream/tipstream/internal/session"
	"github.com/tipstream/tipstream/internal/transport"
)

func newClaimCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Close every open channel and settle accumulated tips",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWallet()
			if err != nil {
				return err
			}

			tr := transport.New(cfg.ClearNodeURL, logger)
			defer tr.Close()

			auth := session.New(tr, w, cfg.Application, logger)
			coord := claim.New(tr, auth, logger)

			if err := authenticate(cmd, auth); err != nil {
				return err
			}
			if err := coord.ClaimAll(); err != nil {
				return err
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-coord.Done():
			}

			for _, out := range coord.Outcomes() {
				status := "closed"
				if !out.Closed {
					status = "failed"
				}
				fmt.Printf("%s  %s\n", out.ChannelID, status)
			}
			if coord.Status() == claim.StatusError {
				return coord.LastErr()
			}
			fmt.Println("Claim complete.")
			return nil
		},
	}
}
