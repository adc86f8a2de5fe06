// main.go
package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tincan-im/tincan/internal/app"
	"github.com/tincan-im/tincan/internal/config"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/linux"
)

//go:embed all:frontend/dist
var assets embed.FS

//go:embed build/appicon.png
var appIcon []byte

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("tincan v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()

	// No arguments - run desktop UI
	if len(args) == 0 {
		runDesktopApp()
		return
	}

	switch args[0] {
	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: tincan client <profile-directory>")
			os.Exit(1)
		}
		runCLIClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runDesktopApp() {
	app := NewApp()

	err := wails.Run(&options.App{
		Title:  "tincan",
		Width:  1200,
		Height: 800,

		AssetServer: &assetserver.Options{
			Assets: assets,
		},

		Linux: &linux.Options{
			Icon: appIcon,
		},

		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind:       []any{app},
	})
	if err != nil {
		log.Fatal(err)
	}
}

func runCLIClient(profileDirArg string) {
	absDir, err := filepath.Abs(profileDirArg)
	if err != nil {
		log.Fatalf("Invalid profile directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Profile directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "tincan.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printClientBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		ProfileDir: absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("tincan - desktop chat and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tincan                      Run desktop application (default)")
	fmt.Println("  tincan client <directory>   Run a client in CLI mode (no GUI)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  client <directory>")
	fmt.Println("        Run a signed-in profile from the specified directory")
	fmt.Println("        The directory must contain a tincan.json configuration file")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run desktop app")
	fmt.Println("  tincan")
	fmt.Println()
	fmt.Println("  # Run a profile headless, UI in the browser")
	fmt.Println("  tincan client ./profiles/alice")
}

func printClientBanner(profileDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   tincan client                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Profile Directory: %s\n", profileDir)
	fmt.Printf("Config File:       %s\n", cfgPath)
	if cfg.Profile.Username != "" {
		fmt.Printf("Username:          %s\n", cfg.Profile.Username)
	}
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		viewerURL := cfg.Viewer.HTTPAddr
		if viewerURL[0] == ':' {
			viewerURL = "http://127.0.0.1" + viewerURL
		}
		fmt.Printf("🌐 Viewer:  %s\n", viewerURL)
		fmt.Println()
	}

	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
