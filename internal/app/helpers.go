package app

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/petervdpas/nearchat/internal/config"
	"github.com/petervdpas/nearchat/internal/p2p"

	logging "github.com/ipfs/go-log/v2"
)

// NormalizeLocalViewer keeps the viewer on loopback and returns the listen
// address and the URL to open.
func NormalizeLocalViewer(cfgAddr string) (listenAddr, url string) {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// applyLogLevels sets the global level, then per-subsystem overrides.
func applyLogLevels(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	p2p.Quiet()
	for sub, l := range c.Subsystems {
		if err := logging.SetLogLevel(sub, l); err != nil {
			return fmt.Errorf("log.subsystems[%s]: %w", sub, err)
		}
	}
	return nil
}

func sameLog(a, b config.Log) bool {
	return a.Level == b.Level && maps.Equal(a.Subsystems, b.Subsystems)
}

func logBanner(peerDir, cfgPath string) {
	log.Infow("peer scope", "dir", peerDir, "config", cfgPath)
	log.Info("this process is one peer; a different folder is a different peer")
}
