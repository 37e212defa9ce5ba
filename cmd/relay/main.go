// Relay server - main entry point
//
// The relay is a thin public-facing forwarder between mobile devices and a
// local bridge client. It holds no LLM keys and runs no agent; it only
// authenticates devices, mints pairing sessions, and shuttles messages.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/armorclaw/relay/internal/relay"
	"github.com/armorclaw/relay/pkg/config"
	"github.com/armorclaw/relay/pkg/logger"
	"github.com/armorclaw/relay/pkg/pairing"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type cliConfig struct {
	command      string
	configPath   string
	configOutput string
	relayURL     string
	qrOutput     string
	showVersion  bool
}

func main() {
	cliCfg := parseFlags()

	if cliCfg.showVersion {
		fmt.Printf("relay v%s (built %s)\n", version, buildTime)
		return
	}

	switch cliCfg.command {
	case "init":
		runInitCommand(cliCfg)
	case "validate":
		runValidateCommand(cliCfg)
	case "qr":
		runQRCommand(cliCfg)
	case "", "serve":
		runServer(cliCfg)
	default:
		printHelp()
		log.Fatalf("unknown command: %s", cliCfg.command)
	}
}

func parseFlags() cliConfig {
	var cliCfg cliConfig

	flag.StringVar(&cliCfg.configPath, "config", "", "Path to config file")
	flag.StringVar(&cliCfg.configOutput, "output", "", "Output path for init command")
	flag.StringVar(&cliCfg.relayURL, "relay-url", "http://localhost:8765", "Relay base URL for the qr command")
	flag.StringVar(&cliCfg.qrOutput, "qr-output", "", "Write pairing QR code PNG to this path instead of printing ASCII")
	flag.BoolVar(&cliCfg.showVersion, "version", false, "Show version")
	flag.Usage = printHelp
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		cliCfg.command = args[0]
	}
	return cliCfg
}

func printHelp() {
	fmt.Println(`relay - public message forwarder for mobile <-> local agent

USAGE:
    relay [command] [flags]

COMMANDS:
    serve      Run the relay server (default)
    init       Write an example configuration file
    validate   Validate the configuration
    qr         Mint a pairing session on a running relay and print its QR code

FLAGS:
    -config <path>      Path to config file
    -output <path>      Output path for init
    -relay-url <url>    Relay base URL for qr (default http://localhost:8765)
    -qr-output <path>   Write pairing QR PNG to a file instead of ASCII output
    -version            Show version

ENVIRONMENT:
    PORT, JWT_SECRET, BRIDGE_TOKEN, RELAY_PUBLIC_URL override the config file.`)
}

// runInitCommand writes an example configuration file
func runInitCommand(cliCfg cliConfig) {
	outputPath := cliCfg.configOutput
	if outputPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to determine home directory: %v", err)
		}
		outputPath = filepath.Join(homeDir, ".relay", "config.toml")
	}

	if _, err := os.Stat(outputPath); err == nil {
		log.Fatalf("Refusing to overwrite existing config: %s", outputPath)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		log.Fatalf("Failed to create config directory: %v", err)
	}
	if err := os.WriteFile(outputPath, []byte(config.GenerateExampleConfig()), 0600); err != nil {
		log.Fatalf("Failed to write example config: %v", err)
	}

	log.Printf("Example configuration written to: %s", outputPath)
	log.Println("Set relay.bridge_token and auth.jwt_secret before deploying.")
}

// runValidateCommand validates the configuration
func runValidateCommand(cliCfg cliConfig) {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	log.Println("Configuration is valid")
	log.Printf("  Port: %d", cfg.Channels.Mobile.WebsocketPort)
	log.Printf("  TLS: %v", cfg.Channels.Mobile.TLSEnabled)
	log.Printf("  Public URL: %s", cfg.WebsocketURL())
	log.Printf("  Rate limiting: %v", cfg.Enterprise.RateLimitEnabled)
	log.Printf("  Audit log: %v", cfg.Enterprise.AuditLogEnabled)
}

// runQRCommand mints a pairing session on a running relay and renders the
// QR code locally
func runQRCommand(cliCfg cliConfig) {
	url := cliCfg.relayURL + "/auth/pairing/create-session"

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(nil))
	if err != nil {
		log.Fatalf("Failed to reach relay at %s: %v", cliCfg.relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Relay returned %s creating pairing session", resp.Status)
	}

	var session struct {
		SessionID    string `json:"session_id"`
		TempToken    string `json:"temp_token"`
		WebsocketURL string `json:"websocket_url"`
		ExpiresAt    string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		log.Fatalf("Failed to parse relay response: %v", err)
	}

	payload, err := json.Marshal(map[string]any{
		"session_id":    session.SessionID,
		"websocket_url": session.WebsocketURL,
		"temp_token":    session.TempToken,
		"timestamp":     time.Now().Unix(),
	})
	if err != nil {
		log.Fatalf("Failed to build QR payload: %v", err)
	}

	if cliCfg.qrOutput != "" {
		if err := qrcode.WriteFile(string(payload), qrcode.Low, 320, cliCfg.qrOutput); err != nil {
			log.Fatalf("Failed to write QR image: %v", err)
		}
		log.Printf("Pairing QR code written to: %s", cliCfg.qrOutput)
	} else {
		ascii, err := pairing.ASCIIQR(string(payload))
		if err != nil {
			log.Fatalf("Failed to generate QR code: %v", err)
		}
		fmt.Print(ascii)
	}

	fmt.Println()
	fmt.Println("Scan with the mobile app to pair.")
	fmt.Printf("  Session:  %s\n", session.SessionID)
	fmt.Printf("  Relay:    %s\n", session.WebsocketURL)
	fmt.Printf("  Expires:  %s\n", session.ExpiresAt)
}

// runServer starts the relay server
func runServer(cliCfg cliConfig) {
	cfg := config.LoadOrDie(cliCfg.configPath)

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("starting relay server", "version", version)

	srv, err := relay.New(cfg)
	if err != nil {
		logger.Error("failed to initialize relay", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("relay server exited with error", "error", err)
		os.Exit(1)
	}
}
