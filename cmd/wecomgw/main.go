package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aibridge/wecomgw/pkg/agents"
	"github.com/aibridge/wecomgw/pkg/cache"
	"github.com/aibridge/wecomgw/pkg/config"
	"github.com/aibridge/wecomgw/pkg/gateway"
	"github.com/aibridge/wecomgw/pkg/logger"
	"github.com/aibridge/wecomgw/pkg/relay"
	"github.com/aibridge/wecomgw/pkg/wecom"
)

var (
	version   = "dev"
	gitCommit string
)

func main() {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		serveCmd()
	case "init":
		initCmd()
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printVersion() {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	fmt.Printf("wecomgw %s\n", v)
}

func printHelp() {
	fmt.Printf("wecomgw - WeCom intelligent robot callback gateway v%s\n\n", version)
	fmt.Println("Usage: wecomgw <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve       Start the callback gateway (default)")
	fmt.Println("  init        Write a default config file")
	fmt.Println("  version     Show version information")
	fmt.Println()
	fmt.Printf("Config: %s (WECOMGW_CONFIG_PATH overrides)\n", getConfigPath())
}

func getConfigPath() string {
	if p := os.Getenv("WECOMGW_CONFIG_PATH"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wecomgw", "config.json")
}

func initCmd() {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return
	}
	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		fmt.Printf("Error writing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote default config to %s\n", path)
	fmt.Println("Set wecom.token and wecom.encoding_aes_key before starting the gateway.")
}

func serveCmd() {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			fmt.Printf("Error opening log file: %v\n", err)
			os.Exit(1)
		}
	}

	if cfg.WeCom.Token == "" || cfg.WeCom.EncodingAESKey == "" {
		fmt.Println("wecom.token and wecom.encoding_aes_key must be configured")
		os.Exit(1)
	}

	envelope, err := wecom.NewEnvelope(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.ReceiveID)
	if err != nil {
		fmt.Printf("Error initializing crypto: %v\n", err)
		os.Exit(1)
	}

	directory, err := agents.Open(cfg.AgentsDBPath(), cfg.Agents.AIBotMapping)
	if err != nil {
		fmt.Printf("Error opening agent directory: %v\n", err)
		os.Exit(1)
	}
	defer directory.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	turns := cache.NewTurnCache()
	turns.StartSweeper(ctx,
		time.Duration(cfg.Cache.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.Cache.TurnTTLMinutes)*time.Minute)
	processed := cache.NewProcessedSet(cfg.Cache.DedupCapacity)

	fetcher := wecom.NewImageFetcher(cfg.WeCom.ImageProxy, cfg.WeCom.MaxImageSizeMB,
		time.Duration(cfg.WeCom.ImageFetchSecond)*time.Second)

	relayer := relay.New(turns, directory, fetcher, relay.Config{
		DefaultBaseURL: cfg.Dify.BaseURL,
		DefaultAPIKey:  cfg.Dify.APIKey,
		Timeout:        time.Duration(cfg.Dify.TimeoutSeconds) * time.Second,
		ImageAESKey:    cfg.WeCom.EncodingAESKey,
	})

	server := gateway.NewServer(cfg, envelope, turns, processed, relayer)
	if err := server.Start(); err != nil {
		fmt.Printf("Error starting server: %v\n", err)
		os.Exit(1)
	}

	logger.InfoCF("main", "Gateway started", map[string]any{
		"addr":    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"version": version,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.ErrorCF("main", "Shutdown error", map[string]any{"error": err.Error()})
	}
	logger.InfoC("main", "Gateway stopped")
}
