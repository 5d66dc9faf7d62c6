package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/settings"
	"xenlink/internal/tunnel"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	connectNetstack   bool
	connectBattery    int
	connectPowerSaver bool

	connectCmd = &cobra.Command{
		Use:   "connect [profile]",
		Short: "connect a profile and keep it up until interrupted",
		Long: "Connects the profile given by id or name, or the last used one, " +
			"and reconnects automatically until SIGINT or SIGTERM.",
		Args: cobra.MaximumNArgs(1),
		RunE: connect,
	}
)

func connect(cmd *cobra.Command, args []string) error {
	cfg := setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var id int64
	if len(args) == 1 {
		id, err = a.profileID(ctx, args[0])
	} else {
		id, err = a.lastProfile(ctx)
	}
	if err != nil {
		return err
	}

	a.startTunnel(ctx, cfg, connectNetstack)
	if cmd.Flags().Changed("battery") || connectPowerSaver {
		a.optimizer.Update(models.BatteryState{Level: connectBattery, IsBatterySaverMode: connectPowerSaver})
	}

	go report(ctx, a)

	if err := a.manager.Connect(ctx, id); err != nil {
		var e *tunnel.Error
		if errors.As(err, &e) {
			return fmt.Errorf("%w (%s)", err, e.Kind.Hint())
		}
		return err
	}
	a.prefs.Update(func(p *settings.Preferences) { p.Tunnel.LastProfileID = id })

	<-ctx.Done()
	l := a.monitor.Lifetime()
	zap.S().Infow("shutting down", "rx_total", l.Received, "tx_total", l.Sent)
	return nil
}

// report logs state transitions and, while connected, traffic samples.
func report(ctx context.Context, a *app) {
	states := a.manager.State().Subscribe(ctx)
	reconnects := a.reconnect.State().Subscribe(ctx)
	stats := a.monitor.Statistics().Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			logState(s)
		case r, ok := <-reconnects:
			if !ok {
				return
			}
			if r.Kind == models.ReconnectFailedMultipleTimes {
				zap.S().Warnw("still unable to reconnect", "attempt", r.Attempt, "next_in", time.Duration(r.NextAttemptIn)*time.Second)
			} else {
				zap.S().Debugw("auto-reconnect", "state", r.String())
			}
		case s, ok := <-stats:
			if !ok {
				return
			}
			if s != nil {
				l := a.monitor.Lifetime()
				zap.S().Infow("traffic",
					"rx", s.BytesReceived,
					"tx", s.BytesSent,
					"down_bps", s.DownloadSpeed,
					"up_bps", s.UploadSpeed,
					"down_1m_bps", int64(l.ReceiveRate),
					"up_1m_bps", int64(l.SendRate),
					"uptime", s.ConnectionDuration.Truncate(time.Second),
				)
			}
		}
	}
}

func logState(s models.ConnectionState) {
	switch s.Kind {
	case models.StateConnected:
		zap.S().Infow("connected",
			"profile", s.Connection.ProfileID,
			"protocol", s.Connection.Protocol,
			"server", s.Connection.ServerAddress,
			"session", s.Connection.SessionID,
		)
	case models.StateError:
		kind := tunnel.KindOf(s.Err)
		zap.S().Errorw("connection error", "kind", kind, "error", s.Err, "hint", kind.Hint())
	default:
		zap.S().Infow("state changed", "state", s.Kind)
	}
}

func init() {
	connectCmd.Flags().BoolVar(&connectNetstack, "netstack", false, "run WireGuard in a userspace stack instead of a system interface")
	connectCmd.Flags().IntVar(&connectBattery, "battery", 100, "current battery level, tunes keep-alive")
	connectCmd.Flags().BoolVar(&connectPowerSaver, "power-saver", false, "battery saver mode is on")
	rootCmd.AddCommand(connectCmd)
}
