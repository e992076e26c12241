package app

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/petervdpas/nearchat/internal/config"
	"github.com/petervdpas/nearchat/internal/identity"
)

// PromptInteractive walks through the settings a new peer usually wants to
// change. Empty answers keep the current value. An invalid result is
// reported and cfg is returned unchanged.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "nearchat setup")
	fmt.Fprintf(out, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	next := cfg
	next.Profile.Label = askString(r, out, "Display name (empty=generated)", cfg.Profile.Label)
	next.Identity.Backend = askChoice(r, out, "Identity store", cfg.Identity.Backend, identity.BackendSQLite, identity.BackendBolt)
	next.Viewer.HTTPAddr = askString(r, out, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)
	next.P2P.ListenPort = askInt(r, out, "Listen port (0=random)", cfg.P2P.ListenPort)
	next.Session.DecisionTimeoutSec = askInt(r, out, "Seconds to answer a connection request (0=no limit)", cfg.Session.DecisionTimeoutSec)
	next.Log.Level = askChoice(r, out, "Log level", cfg.Log.Level, "debug", "info", "warn", "error")

	if err := next.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping previous values.\n", err)
		return cfg
	}
	return next
}

func askString(r *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := r.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(r *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := r.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askChoice(r *bufio.Reader, out io.Writer, label, def string, choices ...string) string {
	for {
		fmt.Fprintf(out, "%s (%s) [%s]: ", label, strings.Join(choices, "/"), def)
		s, err := r.ReadString('\n')
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return def
		}
		if slices.Contains(choices, s) {
			return s
		}
		if err != nil {
			return def
		}
		fmt.Fprintf(out, "Please enter one of %s.\n", strings.Join(choices, ", "))
	}
}
