// Command meshd is the mesh-VPN client: it dials the coordination server,
// maintains the peer roster, and moves packets between the virtual
// interface and whichever transport (direct P2P or server relay) reaches
// each peer.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshd/internal/client"
	"meshd/internal/config"
	"meshd/internal/obslog"
	"meshd/internal/tun"
)

const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		if err := runStart(os.Args[2:]); err != nil {
			log.Fatalf("meshd: %v", err)
		}
	case "version":
		fmt.Printf("meshd v%d.%d.%d\n", VersionMajor, VersionMinor, VersionPatch)
	case "config":
		if err := runConfig(os.Args[2:]); err != nil {
			log.Fatalf("meshd: %v", err)
		}
	case "status":
		runStatus(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("meshd - mesh VPN client")
	fmt.Println("Usage:")
	fmt.Printf("  %s start -config <path>   Start the client\n", os.Args[0])
	fmt.Printf("  %s config -out <path>     Write a default config file\n", os.Args[0])
	fmt.Printf("  %s status -config <path>  Show configuration (no running-instance query)\n", os.Args[0])
	fmt.Printf("  %s version                Show version\n", os.Args[0])
}

// runStatus prints the configuration a subsequent start would use. This
// process is the client, not a daemon with an IPC socket, so there is no
// running instance to query here.
func runStatus(args []string) {
	configPath := "meshd.json"
	for i, a := range args {
		if a == "-config" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	fmt.Println("meshd status")
	fmt.Println("No running instance detected.")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("  Error loading config %s: %v\n", configPath, err)
		return
	}
	fmt.Printf("  Server: %s:%d\n", cfg.ServerAddress, cfg.ServerPort)
	fmt.Printf("  Identity: %s\n", cfg.Identity)
	fmt.Printf("  Crypto: %s\n", cfg.CryptoConfig)
	fmt.Printf("  Keepalive interval: %ds\n", cfg.KeepAliveInterval)
	fmt.Printf("  Log level: %s\n", cfg.LogLevel)
}

func runConfig(args []string) error {
	path := "meshd.json"
	for i, a := range args {
		if a == "-out" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	return config.Save(path, config.Default())
}

func runStart(args []string) error {
	configPath := "meshd.json"
	logLevelFlag := ""
	for i, a := range args {
		switch a {
		case "-config":
			if i+1 < len(args) {
				configPath = args[i+1]
			}
		case "-log-level":
			if i+1 < len(args) {
				logLevelFlag = args[i+1]
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("meshd: could not load %s, using defaults: %v", configPath, err)
		cfg = config.Default()
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := obslog.New(parseLevel(cfg.LogLevel))
	if cfg.LogFile != "" {
		if err := logger.SetFileOutput(cfg.LogFile); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		defer logger.Close()
	}

	// No platform driver is wired in this module; the virtual interface
	// boundary is exercised through the in-memory Fake until a real
	// driver is plugged in at this seam.
	device := tun.NewFake(256)

	c, err := client.New(cfg, device, httpProbe{}, logger)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	fmt.Printf("meshd v%d.%d.%d connecting to %s:%d as %s\n", VersionMajor, VersionMinor, VersionPatch, cfg.ServerAddress, cfg.ServerPort, cfg.Identity)
	return c.Run(stop)
}

func parseLevel(s string) obslog.Level {
	switch s {
	case "silent":
		return obslog.Silent
	case "error":
		return obslog.Error
	case "warn":
		return obslog.Warn
	case "debug":
		return obslog.Debug
	default:
		return obslog.Info
	}
}

// httpProbe is the only place in this module that imports net/http: the
// public-IPv6 discoverer depends on the Probe interface, never on HTTP
// directly.
type httpProbe struct{}

func (httpProbe) Fetch(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
