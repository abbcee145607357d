// Command relaycli exercises the delivery engine end to end against the
// in-process loopback relay. It is a demonstration and debugging tool,
// not a production client.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	relaycore "github.com/opd-ai/relaycore"
	"github.com/opd-ai/relaycore/config"
	"github.com/opd-ai/relaycore/crypto"
	"github.com/opd-ai/relaycore/storage"
	"github.com/opd-ai/relaycore/transfer"
	"github.com/opd-ai/relaycore/transport"
)

const version = "0.1.0"

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "relaycli",
		Short: "Exercise the relaycore delivery engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(demoCommand())
	root.AddCommand(versionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relaycli version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaycli", version)
		},
	}
}

func demoCommand() *cobra.Command {
	var encrypted bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a send/receive round trip over the loopback relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !verbose {
				cfg.ApplyLogLevel()
			}
			return runDemo(cfg, encrypted)
		},
	}
	cmd.Flags().BoolVarP(&encrypted, "encrypted", "e", false, "encrypt the demo conversation")
	return cmd
}

func runDemo(cfg *config.Config, encrypted bool) error {
	store, err := openStore(cfg.Engine.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	lb := transport.NewLoopback()
	engine := relaycore.New(cfg.Engine, store, lb, openTransfer(cfg))
	defer engine.Close()

	sess, err := engine.Init("relaycli-demo", "demo-key", map[string]string{"name": "demo"})
	if err != nil {
		return err
	}
	fmt.Println("session:", sess.SessionID)

	const conversation = "demo-conversation"
	if encrypted {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		if err := engine.SetConversationKey(conversation, key); err != nil {
			return err
		}
	}

	sub := engine.Subscribe()
	defer engine.Unsubscribe(sub)

	// Queue while offline to show the outbox replay.
	msg, err := engine.SendText("queued before connect", encrypted, conversation, nil, "")
	if err != nil {
		return err
	}
	fmt.Println("queued:", msg.ID, "status:", msg.Status)

	lb.SetConnected(true)

	// Simulate a peer reply once the relay is up.
	lb.InjectEvent(transport.Event{
		Type:           transport.EventMessage,
		ID:             "peer-reply-1",
		ConversationID: conversation,
		Sender:         "demo-peer",
		Payload:        []byte("hello from the other side"),
	})

	deadline := time.After(3 * time.Second)
	for acked, received := false, false; !acked || !received; {
		select {
		case n := <-sub:
			switch n.Type {
			case relaycore.AckReceived:
				fmt.Println("acked:", n.Message.ID, "server_timestamp:", n.Message.ServerTimestamp)
				acked = true
			case relaycore.MessageReceived:
				fmt.Printf("received from %s: %s\n", n.Message.Sender, n.Message.Payload)
				received = true
			case relaycore.SocketStatusChange:
				fmt.Println("connected:", n.Connected)
			}
		case <-deadline:
			return fmt.Errorf("demo timed out waiting for ack and reply")
		}
	}

	fmt.Println("watermark:", mustWatermark(engine))
	return nil
}

func openStore(dataDir string) (*storage.FileStore, error) {
	if dataDir == "" {
		logrus.Debug("No data directory configured, using in-memory store")
		return storage.NewMemory(), nil
	}
	return storage.New(dataDir)
}

func openTransfer(cfg *config.Config) transfer.Adapter {
	if cfg.FileServiceURL != "" {
		return transfer.NewHTTPAdapter(cfg.FileServiceURL, cfg.Engine.RequestTimeout)
	}
	return transfer.NewMemoryAdapter()
}

func mustWatermark(engine *relaycore.Engine) int64 {
	sess, err := engine.Session()
	if err != nil {
		return 0
	}
	return sess.LastSyncTimestamp
}
