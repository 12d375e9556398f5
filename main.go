// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/huddle/internal/app"
	"github.com/petervdpas/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Huddle v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]

	switch command {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: huddle run <data-directory>")
			os.Exit(1)
		}
		runClient(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: huddle init <data-directory>")
			os.Exit(1)
		}
		initDir(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Data directory does not exist: %s (run 'huddle init %s' first)", absDir, dirArg)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

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
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func initDir(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	_, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
		fmt.Println("Edit it to point backend.base_url at your call service,")
		fmt.Println("then place your API token in the token file and run:")
		fmt.Printf("  huddle run %s\n", dirArg)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}
}

func showUsage() {
	fmt.Println("Huddle - call client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle run <directory>     Run the client")
	fmt.Println("  huddle init <directory>    Create a data directory with a default config")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run the client from the specified data directory")
	fmt.Println("        The directory must contain a huddle.json configuration file")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Create the directory and write a default huddle.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  huddle init ~/.huddle")
	fmt.Println("  huddle run ~/.huddle")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Huddle Client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Backend:        %s\n", cfg.Backend.BaseURL)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
