// ABOUTME: Entry point for the warm agent that runs warming scripts on one machine.
// ABOUTME: Maintains the orchestrator websocket with reconnect, heartbeats, and command handling.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/warmfleet/orchestrator/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

// Reconnect backoff bounds.
const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "warm-agent.toml", "Path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agent := newAgent(cfg, logger)
	agent.run(ctx)
}

// agent owns the orchestrator connection and the local executor.
type agent struct {
	cfg      *Config
	executor *Executor
	logger   *slog.Logger

	// conn is replaced on every reconnect; sendMsg guards against racing
	// writers and a nil connection between attempts.
	connCh chan *websocket.Conn
}

func newAgent(cfg *Config, logger *slog.Logger) *agent {
	a := &agent{
		cfg:    cfg,
		logger: logger.With("component", "agent", "computer_id", cfg.ComputerID),
		connCh: make(chan *websocket.Conn, 1),
	}
	a.executor = NewExecutor(nil, a.sendMsg, cfg.MaxConcurrentExecutions, cfg.actionTimeout, logger)
	return a
}

// run reconnects with exponential backoff until ctx is cancelled.
func (a *agent) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("connection lost, reconnecting",
			"error", err,
			"backoff", backoff.String(),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// connectAndServe dials the orchestrator and services the connection until
// it drops.
func (a *agent) connectAndServe(ctx context.Context) error {
	url := fmt.Sprintf("%s/ws/%s", a.cfg.OrchestratorURL, a.cfg.ComputerID)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.cfg.Token},
		},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dialing orchestrator: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "agent shutting down")

	// Handshake: the orchestrator sends a connected ack first.
	ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	var ack protocol.Connected
	err = wsjson.Read(ackCtx, conn, &ack)
	cancel()
	if err != nil {
		return fmt.Errorf("waiting for connected ack: %w", err)
	}
	if ack.Type != protocol.KindConnected {
		return fmt.Errorf("unexpected handshake message %q", ack.Type)
	}
	a.logger.Info("connected to orchestrator", "url", a.cfg.OrchestratorURL)

	// Publish the live connection for sendMsg.
	a.setConn(conn)
	defer a.setConn(nil)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	go a.heartbeatLoop(connCtx)

	// Initial status report so the orchestrator sees capacity right away.
	if err := a.sendMsg(connCtx, protocol.NewStatusUpdate(a.currentState())); err != nil {
		a.logger.Warn("initial status update not delivered", "error", err)
	}

	return a.commandLoop(connCtx, conn)
}

// setConn swaps the published connection, draining any stale one.
func (a *agent) setConn(conn *websocket.Conn) {
	select {
	case <-a.connCh:
	default:
	}
	if conn != nil {
		a.connCh <- conn
	}
}

// sendMsg writes one message on the current connection, failing when the
// agent is between connections.
func (a *agent) sendMsg(ctx context.Context, msg any) error {
	select {
	case conn := <-a.connCh:
		a.connCh <- conn
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, msg)
	default:
		return fmt.Errorf("not connected")
	}
}

// heartbeatLoop emits heartbeats on the configured interval.
func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.sendMsg(ctx, protocol.NewHeartbeat()); err != nil {
				a.logger.Warn("heartbeat not delivered", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// commandLoop reads orchestrator commands until the connection drops.
func (a *agent) commandLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading command: %w", err)
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			a.logger.Warn("dropping malformed command", "error", err)
			continue
		}

		switch cmd.Kind {
		case protocol.KindExecuteWarming:
			a.executor.Execute(ctx, cmd.Execute)

		case protocol.KindStopWarming:
			a.executor.Stop(cmd.Stop.ExecutionID)

		case protocol.KindStatusRequest:
			if err := a.sendMsg(ctx, protocol.NewStatusUpdate(a.currentState())); err != nil {
				a.logger.Warn("status update not delivered", "error", err)
			}

		case protocol.KindHeartbeatAck:
			// Liveness confirmed; nothing to do.

		default:
			a.logger.Warn("unknown command type", "type", cmd.Kind)
		}
	}
}

// currentState snapshots this machine's reported state.
func (a *agent) currentState() protocol.AgentState {
	active := a.executor.ActiveCount()
	return protocol.AgentState{
		ActiveBrowsers:   active,
		MaxBrowsers:      a.cfg.MaxBrowsers,
		ActiveExecutions: active,
		AgentVersion:     version,
		Capabilities:     []string{"warming"},
	}
}
