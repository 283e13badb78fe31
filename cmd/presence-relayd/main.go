// Command presence-relayd is the relay daemon's entrypoint: it loads
// configuration, wires the identity client, transport engine and relay
// core together, and runs the main tick loop until interrupted.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/koneko-cat/presence-relay/config"
	"github.com/koneko-cat/presence-relay/identity"
	"github.com/koneko-cat/presence-relay/logging"
	"github.com/koneko-cat/presence-relay/relay"
	"github.com/koneko-cat/presence-relay/transport"
)

// engineSender adapts *transport.Engine to relay.Sender: the two
// packages declare independent MsgType enumerations (relay must not
// import transport's full surface just for this one value), but they
// share wire values by construction, so the conversion is a plain cast.
type engineSender struct {
	engine *transport.Engine
}

func (s engineSender) Send(addr net.Addr, msgType relay.MsgType, channel uint8, payload []byte) (uint8, error) {
	return s.engine.Send(addr, transport.MsgType(msgType), channel, payload)
}

func main() {
	cmd := &cobra.Command{
		Use:   "presence-relayd [bind-port]",
		Short: "presence-relay: real-time multi-peer relay for the koneko.cat presence service",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	cmd.Flags().String("config", "presence-relay.yaml", "path to the YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		port, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid bind port %q: %w", args[0], err)
		}
		cfg = cfg.WithBindPort(uint16(port))
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return err
	}
	entry := logrus.NewEntry(log)

	conn, err := net.ListenPacket("udp", fmt.Sprintf("0.0.0.0:%d", cfg.BindPort))
	if err != nil {
		return fmt.Errorf("bind udp: %w", err)
	}
	defer conn.Close()

	// core is referenced by the engine's OnPeerTimeout closure before it
	// exists; the closure only runs after both are fully constructed, so
	// capturing the variable (not its value) is sufficient.
	var core *relay.Core

	engine := transport.NewEngine(conn,
		transport.WithPeerTimeout(cfg.PeerTimeout),
		transport.WithLogger(entry.WithField("component", "transport")),
		transport.WithEvents(transport.Events{
			OnPeerTimeout: func(endpoint string) { core.HandlePeerTimeout(endpoint) },
		}),
	)

	idClient := identity.NewClient(cfg.IdentityBaseURL, 5*time.Second)

	core = relay.NewCore(engineSender{engine: engine}, idClient,
		relay.WithLogger(entry.WithField("component", "relay")),
		relay.WithIdentityTimeout(5*time.Second),
		relay.WithPeerRemover(engine),
	)

	go func() {
		if err := engine.Serve(); err != nil {
			entry.WithError(err).Error("transport engine stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	entry.WithField("port", cfg.BindPort).Info("presence-relay listening")

	lastBroadcast := time.Now()
	for {
		select {
		case <-sig:
			entry.Info("shutting down")
			engine.Close()
			return nil
		default:
		}

		for {
			received, ok := engine.TryPop()
			if !ok {
				break
			}
			core.HandleReceived(received.Addr, received.Endpoint, received.Payload)
		}

		core.DrainJoins()
		engine.Tick()

		now := time.Now()
		if now.Sub(lastBroadcast) >= cfg.BroadcastTickInterval {
			core.BroadcastTick(now)
			lastBroadcast = now
		}

		time.Sleep(cfg.EngineTickInterval)
	}
}
