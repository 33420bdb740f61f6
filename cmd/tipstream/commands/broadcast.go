package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tipstream/tipstream/internal/channel"
	"github.com/tipstream/tipstream/internal/domain"
	"github.com/tipstream/tipstream/internal/media"
	"github.com/tipstream/tipstream/internal/session"
	"github.com/tipstream/tipstream/internal/settlement"
	"github.com/tipstream/tipstream/internal/signaling"
	"github.com/tipstream/tipstream/internal/tips"
	"github.com/tipstream/tipstream/internal/transport"
)

func newBroadcastCommand() *cobra.Command {
	var fps int

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Go live: stream to viewers and receive tips over the payment channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireStream(); err != nil {
				return err
			}
			if cfg.MediaFile == "" {
				return fmt.Errorf("TIPSTREAM_MEDIA_FILE environment variable is required")
			}
			w, err := newWallet()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tr := transport.New(cfg.ClearNodeURL, logger)
			defer tr.Close()

			auth := session.New(tr, w, cfg.Application, logger)

			tipLog := tips.NewLog()
			tipLog.OnTip(func(tx domain.TipTransaction) {
				logger.Info().
					Str("from", tx.From).
					Str("amount", tx.Amount).
					Str("asset", tx.Asset).
					Msg("tip received")
			})

			mgr := channel.New(tr, auth, settlement.Unavailable{}, channel.AssetSelector{
				Symbol:   cfg.SettlementAsset,
				Decimals: cfg.SettlementDecimals,
				ChainIDs: cfg.SettlementChains,
			}, logger,
				channel.WithCloseMode(channel.CloseModeAck),
				channel.WithTipSink(tipLog.Append),
			)

			if err := authenticate(cmd, auth); err != nil {
				return err
			}
			var chainID int64
			if len(cfg.SettlementChains) > 0 {
				chainID = cfg.SettlementChains[0]
			}
			if err := mgr.RequestAssets(chainID); err != nil {
				return err
			}

			source, err := media.NewFileSource(cfg.MediaFile, fps, logger)
			if err != nil {
				return err
			}
			defer source.Close()

			factory, err := signaling.NewPionFactory(cfg.STUNServers, source)
			if err != nil {
				return err
			}

			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer rdb.Close()
			topic, err := signaling.JoinRedisTopic(ctx, rdb, cfg.StreamID, uuid.NewString(), logger)
			if err != nil {
				return err
			}

			hub := signaling.NewHub(topic, factory, logger)
			logger.Info().Str("stream_id", cfg.StreamID).Msg("broadcasting")
			hub.Run(ctx)

			total := tipLog.Total(cfg.SettlementAsset)
			fmt.Printf("Stream ended. Tips received: %d (%s total, smallest unit: %s)\n",
				tipLog.Len(), cfg.SettlementAsset, total.String())
			return nil
		},
	}

	cmd.Flags().IntVar(&fps, "fps", 30, "frame rate to pace the media file at")
	return cmd
}
