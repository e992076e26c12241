// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/nearchat/internal/app"
	"github.com/petervdpas/nearchat/internal/config"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	plain    = flag.Bool("plain", false, "Disable colors in the demo")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("nearchat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "peer", "init":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: nearchat %s <peer-directory>\n", command)
			os.Exit(1)
		}
		if command == "peer" {
			runCLIPeer(args[1])
		} else {
			runInit(args[1])
		}

	case "demo":
		ctx, cancel := signalContext()
		defer cancel()
		if err := app.RunDemo(ctx, app.DemoOptions{Out: os.Stdout, Plain: *plain}); err != nil {
			log.Fatalf("Demo failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// peerDir resolves dir and creates it when missing.
func peerDir(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}
	return absDir
}

func runCLIPeer(dir string) {
	absDir := peerDir(dir)
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(&cfg, filepath.Join(absDir, ".env")); err != nil {
		log.Fatalf("Bad environment override: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg, created)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		In:      os.Stdin,
		Out:     os.Stdout,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runInit(dir string) {
	absDir := peerDir(dir)
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	next := app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, next); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("nearchat - chat with people in the same room")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nearchat peer <directory>   Run a peer with its state in <directory>")
	fmt.Println("  nearchat init <directory>   Answer a few questions and write the config")
	fmt.Println("  nearchat demo               Play a host and a guest in one process")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Creates nearchat.json on first run. A .env file next to it and")
	fmt.Println("        NEARCHAT_* variables override the file. Type /help once running.")
	fmt.Println()
	fmt.Println("  demo")
	fmt.Println("        Runs over an in-process radio, no network needed")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -plain    No colors in demo output")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  nearchat peer ./peers/alice")
	fmt.Println("  NEARCHAT_PROFILE_LABEL=Bob nearchat peer ./peers/bob")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, created bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     nearchat peer                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (new)")
	}
	fmt.Println()
	if cfg.Profile.Label != "" {
		fmt.Printf("Peer Label:     %s\n", cfg.Profile.Label)
	}
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Viewer:         %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting peer... (type /quit or press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
