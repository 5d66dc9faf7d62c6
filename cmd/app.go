package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"xenlink/internal/adapter/sshtunnel"
	"xenlink/internal/adapter/wireguard"
	"xenlink/internal/battery"
	"xenlink/internal/config"
	"xenlink/internal/credential"
	"xenlink/internal/models"
	"xenlink/internal/netwatch"
	"xenlink/internal/reconnect"
	"xenlink/internal/resolve"
	"xenlink/internal/security"
	"xenlink/internal/settings"
	"xenlink/internal/storage"
	"xenlink/internal/traffic"
	"xenlink/internal/tunnel"

	"go.uber.org/zap"
)

// app is the wired object graph shared by the commands.
type app struct {
	storage *storage.AppStorage
	db      *storage.Database
	prefs   *settings.Store
	creds   *credential.Store

	monitor   *traffic.Monitor
	optimizer *battery.Optimizer
	ssh       *sshtunnel.Adapter
	wireguard *wireguard.Adapter
	manager   *tunnel.Manager
	reconnect *reconnect.Service

	stopWriter context.CancelFunc
	writerDone <-chan struct{}
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := storage.NewAppStorage(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	db, err := storage.InitDatabase(st)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var opts []credential.Option
	if cfg.Secrets.MasterPassword != "" {
		cm, err := security.NewCryptoManager(cfg.Secrets.MasterPassword)
		if err != nil {
			db.Close()
			return nil, err
		}
		opts = append(opts, credential.WithFallback(db, cm))
	}

	a := &app{
		storage: st,
		db:      db,
		prefs:   settings.Load(st),
		creds:   credential.New(cfg.Secrets.KeyringService, opts...),
	}
	if a.prefs.IsFirstLaunch() {
		zap.S().Infow("first launch, default preferences written", "config_dir", st.ConfigPath())
	}
	zap.S().Debugw("storage ready", "config_dir", st.ConfigPath(), "db_dir", st.DBPath())
	return a, nil
}

// startTunnel builds the connection stack. Only commands that touch tunnels
// need it.
func (a *app) startTunnel(ctx context.Context, cfg *config.Config, netstack bool) {
	prefs := a.prefs.Get()

	a.monitor = traffic.NewMonitor(prefs.SampleInterval())
	a.optimizer = battery.NewOptimizer()

	dnsServer := cfg.Tunnel.DNSServer
	if dnsServer == "" {
		dnsServer = prefs.Tunnel.DNSServer
	}
	resolver := resolve.New(dnsServer, 0)

	tunFactory := wireguard.SystemTun
	if netstack || prefs.Tunnel.Engine == "netstack" {
		tunFactory = wireguard.NetstackTun
	}
	a.wireguard = wireguard.New(a.creds, resolver, a.monitor, a.optimizer, wireguard.Options{Tun: tunFactory})
	a.ssh = sshtunnel.New(a.creds, a.monitor, a.optimizer, sshtunnel.Options{SocksListen: cfg.Tunnel.SocksListen})

	network := netwatch.New(
		netwatch.WithInterval(time.Duration(cfg.Tunnel.NetworkPollMs)*time.Millisecond),
		netwatch.WithOwned(a.wireguard.Interfaces),
	)
	a.reconnect = reconnect.NewService(network, prefs.ReconnectConfig())

	var managerOpts []tunnel.Option
	if prefs.Reconnect.Enabled {
		managerOpts = append(managerOpts, tunnel.WithArming(a.reconnect))
	}
	a.manager = tunnel.NewManager(a.db, []tunnel.Adapter{a.wireguard, a.ssh}, a.monitor, a.optimizer, managerOpts...)
	a.reconnect.Start(ctx, a.manager)

	writerCtx, cancel := context.WithCancel(context.Background())
	a.stopWriter = cancel
	a.writerDone = a.prefs.StartWriter(writerCtx, settings.DefaultWriteInterval)
}

// profileID accepts a numeric id or a profile name.
func (a *app) profileID(ctx context.Context, arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	p, err := a.db.ProfileByName(ctx, arg)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// lastProfile falls back to the most recently used profile.
func (a *app) lastProfile(ctx context.Context) (int64, error) {
	if id := a.prefs.Get().Tunnel.LastProfileID; id != 0 {
		return id, nil
	}
	list, err := a.db.Profiles(ctx)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, models.ErrProfileNotFound
	}
	return list[0].ID, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.reconnect != nil {
		a.reconnect.Close()
	}
	if a.stopWriter != nil {
		a.stopWriter()
		<-a.writerDone
	} else if err := a.prefs.Save(); err != nil {
		zap.S().Errorw("failed to save preferences", "error", err)
	}
	if err := a.db.Close(); err != nil {
		zap.S().Errorw("failed to close database", "error", err)
	}
}
