package main

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prabhask5/goal-planner/internal/device"
	"github.com/prabhask5/goal-planner/internal/enginebus"
	"github.com/prabhask5/goal-planner/internal/engineconfig"
	"github.com/prabhask5/goal-planner/internal/netmon"
	"github.com/prabhask5/goal-planner/internal/outbox"
	"github.com/prabhask5/goal-planner/internal/realtime"
	"github.com/prabhask5/goal-planner/internal/remoteclient"
	"github.com/prabhask5/goal-planner/internal/retention"
	"github.com/prabhask5/goal-planner/internal/store"
	"github.com/prabhask5/goal-planner/internal/syncengine"
	"github.com/prabhask5/goal-planner/internal/syncstatus"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

// newWatchCmd runs the engine's long-running half: network monitoring,
// debounced push, periodic reconcile, realtime ingestion and tombstone
// retention, all wired against one Engine until the process is signalled
// to stop. `push`/`pull`/`status` cover the one-shot CLI cases; `watch` is
// what a desktop/mobile host embeds for as long as the app is open.
func newWatchCmd() *cobra.Command {
	var userID, dataDir, logLevel, logFormat string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync engine continuously: netmon, debounced push, periodic pull, realtime ingress, retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			telemetry.Configure(telemetry.Options{Level: logLevel, Format: logFormat})
			log := telemetry.Component("syncctl-watch")

			cfg, err := engineconfig.Load(dataDir)
			if err != nil {
				return err
			}
			if cfg.RemoteURL == "" {
				return fmt.Errorf("remote_url is not configured")
			}

			st, err := store.Open(filepath.Join(cfg.DataDir, "local.db"))
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := device.Load(cfg.DataDir)
			if err != nil {
				return err
			}

			client := remoteclient.New(cfg.RemoteURL, cfg.APIKey, userID)
			status := syncstatus.New()
			bus := enginebus.New()
			engine := syncengine.New(st, client, id.ID(), status)
			engine.Bus = bus

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			net := netmon.New(remoteHost(cfg.RemoteURL), 15*time.Second)
			engine.Net = net
			net.OnReconnect(func() {
				log.Info().Msg("network reachable, draining and reconciling")
				if err := engine.Drain(ctx); err != nil {
					log.Warn().Err(err).Msg("drain on reconnect failed")
				}
				if err := engine.Reconcile(ctx); err != nil {
					log.Warn().Err(err).Msg("reconcile on reconnect failed")
				}
			})
			net.OnDisconnect(func() {
				log.Info().Msg("network unreachable")
			})
			net.Start(ctx)
			defer net.Stop()

			scheduler := outbox.NewScheduler(cfg.PushDebounce, func() {
				if err := engine.Drain(ctx); err != nil && err != syncengine.ErrOffline {
					log.Warn().Err(err).Msg("debounced push failed")
				}
			})
			outbox.UseScheduler(scheduler)
			defer outbox.UseScheduler(nil)
			defer scheduler.Cancel()

			ingress := realtime.New(
				&realtime.HTTPStreamProvider{BaseURL: cfg.RemoteURL, APIKey: cfg.APIKey},
				userID, id.ID(), nil,
				func(ev realtime.Event) {
					if err := engine.Reconcile(ctx); err != nil && err != syncengine.ErrOffline {
						log.Warn().Err(err).Msg("realtime-triggered reconcile failed")
						return
					}
					bus.Publish(enginebus.Event{Kind: enginebus.KindRealtimeApplied, Table: ev.Table, ID: ev.EntityID})
				},
			)
			engine.Realtime = ingress
			go ingress.Run(ctx)
			go watchRealtimeState(ctx, ingress, status)

			sweeper := &retention.Sweeper{Store: st, TTL: cfg.TombstoneTTL}
			go sweeper.Loop(ctx, 6*time.Hour)

			ticker := time.NewTicker(cfg.ReconcileTick)
			defer ticker.Stop()

			log.Info().Str("remote", cfg.RemoteURL).Msg("sync engine watching")
			if err := engine.Drain(ctx); err != nil && err != syncengine.ErrOffline {
				log.Warn().Err(err).Msg("initial drain failed")
			}
			if err := engine.Reconcile(ctx); err != nil && err != syncengine.ErrOffline {
				log.Warn().Err(err).Msg("initial reconcile failed")
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := engine.Reconcile(ctx); err != nil && err != syncengine.ErrOffline {
						log.Warn().Err(err).Msg("periodic reconcile failed")
					}
				}
			}
		},
	}

	addCommonFlags(cmd, &userID)
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "engine data directory (default: ~/.config/goal-planner)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "text|json")
	return cmd
}

// remoteHost extracts a host:port dial target from a remote_url for
// netmon's TCP reachability probe, defaulting to the URL's declared or
// scheme-implied port when none is explicit.
func remoteHost(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host == "" {
		return remoteURL
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return u.Hostname() + ":" + port
}

// watchRealtimeState mirrors the ingress's connection state into the
// status observer so a host UI can show "realtime: reconnecting" etc.
// without polling the Ingress directly.
func watchRealtimeState(ctx context.Context, in *realtime.Ingress, status *syncstatus.Observer) {
	last := realtime.ConnState("")
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s := in.State(); s != last {
				last = s
				status.SetRealtimeState(string(s))
			}
		}
	}
}
