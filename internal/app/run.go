package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/config"
	"github.com/petervdpas/nearchat/internal/console"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/p2p"
	"github.com/petervdpas/nearchat/internal/session"
	"github.com/petervdpas/nearchat/internal/storage"
	"github.com/petervdpas/nearchat/internal/util"
	"github.com/petervdpas/nearchat/internal/viewer"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	In      io.Reader
	Out     io.Writer
}

// Run starts one peer from its directory and blocks until ctx ends or the
// console quits.
func Run(ctx context.Context, opt Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cfg := opt.Cfg

	if err := applyLogLevels(cfg.Log); err != nil {
		return err
	}
	logBanner(opt.PeerDir, opt.CfgPath)

	// ── storage and identity
	dataDir := util.ResolvePath(opt.PeerDir, cfg.Identity.DBPath)
	db, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := identity.Open(cfg.Identity.Backend, dataDir, filepath.Join(dataDir, "identity.bolt"), db)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer store.Close()

	self, err := identity.Load(store, cfg.Session.FallbackPrefix)
	if err != nil {
		return err
	}
	if cfg.Profile.Label != "" {
		label, err := identity.ValidateDisplayName(cfg.Profile.Label)
		if err != nil {
			return fmt.Errorf("profile.label: %w", err)
		}
		if label != self.DisplayName {
			if err := store.SetDisplayName(label); err != nil {
				return err
			}
			self.DisplayName = label
		}
	}
	log.Infow("identity", "id", self.ID, "name", self.DisplayName, "backend", cfg.Identity.Backend)

	// ── transport
	node, err := p2p.New(p2p.Options{
		ListenPort:     cfg.P2P.ListenPort,
		KeyFile:        util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		ServiceType:    cfg.P2P.ServiceType,
		Domain:         cfg.P2P.Domain,
		BrowseInterval: secs(cfg.P2P.BrowseSeconds),
		OutboxSize:     cfg.P2P.OutboxSize,
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	// ── session
	b := bus.New()
	sess := session.New(node, b, self, store, session.Options{
		ServiceID:       cfg.P2P.ServiceID,
		MailboxSize:     cfg.Session.MailboxSize,
		DecisionTimeout: cfg.Session.DecisionTimeout(),
	})

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	sessErr := make(chan error, 1)
	spawn(func() { sessErr <- sess.Run(ctx) })
	spawn(func() { recordHistory(ctx, sess, db) })

	cons := console.New(sess, opt.In, opt.Out, console.Options{History: db.PeerHistory})
	sinks := []Sink{cons}

	// ── viewer (optional)
	if cfg.Viewer.HTTPAddr != "" {
		logs := viewer.NewLogBuffer(800)
		pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
		defer pipe.Close()
		go func() { _, _ = io.Copy(logs, pipe) }()

		srv := viewer.New(sess, viewer.Options{History: db.PeerHistory, Logs: logs})
		sinks = append(sinks, srv)
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		spawn(func() {
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				log.Errorw("viewer stopped", "err", err)
			}
		})
		log.Infow("viewer", "url", url)
	}
	spawn(func() { Dispatch(ctx, b, sinks...) })

	// ── live config
	if opt.CfgPath != "" {
		envFile := filepath.Join(opt.PeerDir, ".env")
		w, err := config.Watch(opt.CfgPath, envFile, cfg, func(prev, next config.Config) {
			applyConfigChange(ctx, sess, prev, next)
		})
		if err != nil {
			log.Warnw("config changes will need a restart", "err", err)
		} else {
			defer w.Close()
		}
	}

	consoleErr := make(chan error, 1)
	go func() { consoleErr <- cons.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-consoleErr:
		runErr = err
	case err := <-sessErr:
		if !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	if err := sess.Teardown(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, session.ErrStopped) {
		log.Debugw("teardown on exit", "err", err)
	}
	cancel()
	wg.Wait()
	log.Infow("peer stopped")
	return runErr
}

// applyConfigChange adopts the parts of a reloaded config that can change
// while running.
func applyConfigChange(ctx context.Context, sess *session.Orchestrator, prev, next config.Config) {
	if next.Profile.Label != "" && next.Profile.Label != prev.Profile.Label {
		if err := sess.UpdateDisplayName(ctx, next.Profile.Label); err != nil {
			log.Warnw("rename from config failed", "err", err)
		}
	}
	if !sameLog(prev.Log, next.Log) {
		if err := applyLogLevels(next.Log); err != nil {
			log.Warnw("log levels unchanged", "err", err)
		}
	}
}
