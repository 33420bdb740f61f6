// Package commands wires the tipstream CLI: broadcast serves the stream and
// receives tips, claim batch-settles the accumulated channels.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tipstream/tipstream/internal/config"
	"github.com/tipstream/tipstream/internal/session"
	"github.com/tipstream/tipstream/internal/wallet"
)

var (
	cfg    *config.Config
	logger zerolog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "tipstream",
		Short:         "Fee-free live-stream tipping over payment channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				level = zerolog.InfoLevel
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
				Level(level).
				With().Timestamp().Logger()
			return nil
		},
	}

	root.AddCommand(newBroadcastCommand())
	root.AddCommand(newClaimCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// authenticate connects the session and runs the request/challenge/verify
// handshake, returning once the session is Verified.
func authenticate(cmd *cobra.Command, auth *session.Authenticator) error {
	states := make(chan session.State, 8)
	auth.OnStateChange(func(s session.State) {
		select {
		case states <- s:
		default:
		}
	})

	if err := auth.Connect(cmd.Context()); err != nil {
		return err
	}

	if err := auth.RequestAuth(cfg.Allowances(), time.Now().Add(24*time.Hour).Unix(), "console"); err != nil {
		return err
	}

	deadline := time.After(time.Minute)
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-deadline:
			return fmt.Errorf("authentication did not complete in time")
		case s := <-states:
			switch s {
			case session.StateChallenged:
				if err := auth.VerifyAuth(); err != nil {
					return err
				}
			case session.StateVerified:
				return nil
			case session.StateError:
				return auth.LastErr()
			}
		}
	}
}

func newWallet() (*wallet.Key, error) {
	if err := cfg.RequireWallet(); err != nil {
		return nil, err
	}
	return wallet.FromHex(cfg.WalletKey)
}
