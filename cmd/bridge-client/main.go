// Bridge client - main entry point
//
// Runs on the user's local machine and dials out to a relay server. Mobile
// messages arrive through the relay and are handed to the local agent
// command; its output is sent back to the originating device. The relay
// never sees credentials or executes anything.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/armorclaw/relay/internal/client"
	"github.com/armorclaw/relay/pkg/config"
	"github.com/armorclaw/relay/pkg/logger"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	var (
		configPath  string
		relayURL    string
		bridgeToken string
		agentCmd    string
		agentWait   time.Duration
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&relayURL, "relay-url", "", "Relay bridge WebSocket URL (ws://host:port/bridge)")
	flag.StringVar(&bridgeToken, "token", "", "Bridge token (defaults to BRIDGE_TOKEN env or config)")
	flag.StringVar(&agentCmd, "agent-cmd", "", "Command to run per message; message on stdin, response on stdout")
	flag.DurationVar(&agentWait, "agent-timeout", 2*time.Minute, "Maximum time for the agent command per message")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.Parse()

	if showVersion {
		fmt.Printf("bridge-client v%s (built %s)\n", version, buildTime)
		return
	}

	cfg := config.LoadOrDie(configPath)

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if bridgeToken == "" {
		bridgeToken = cfg.Relay.BridgeToken
	}
	if bridgeToken == "" {
		log.Fatal("Bridge token is required: set -token, BRIDGE_TOKEN, or relay.bridge_token")
	}

	if relayURL == "" {
		relayURL = bridgeURL(cfg.WebsocketURL())
	}

	var agent client.Agent
	if agentCmd != "" {
		agent = &commandAgent{command: agentCmd, timeout: agentWait}
	} else {
		logger.Warn("no agent command configured, echoing messages back")
		agent = echoAgent{}
	}

	logger.Info("starting bridge client",
		"version", version,
		"relay_url", relayURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(relayURL, bridgeToken, agent)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("bridge client exited with error", "error", err)
		os.Exit(1)
	}
}

// bridgeURL turns the relay public URL into the bridge endpoint URL
func bridgeURL(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/")
	u = strings.TrimSuffix(u, "/ws")
	return u + "/bridge"
}

// commandAgent shells each message out to a local command. The message
// content arrives on stdin and the response is whatever the command prints.
type commandAgent struct {
	command string
	timeout time.Duration
}

func (a *commandAgent) Process(ctx context.Context, msg client.InboundMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", a.command)
	cmd.Stdin = strings.NewReader(msg.Content)
	cmd.Env = append(os.Environ(),
		"BRIDGE_DEVICE_ID="+msg.ChatID,
		"BRIDGE_SENDER="+msg.SenderID,
		"BRIDGE_CHANNEL="+msg.Channel,
	)

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("agent command failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// echoAgent answers every message with its own content. Useful for testing
// the tunnel end to end before wiring a real agent.
type echoAgent struct{}

func (echoAgent) Process(ctx context.Context, msg client.InboundMessage) (string, error) {
	return "echo: " + msg.Content, nil
}
