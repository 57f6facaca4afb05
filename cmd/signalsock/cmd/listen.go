package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsarna/signalsock/pkg/signalsock"
	"github.com/tsarna/signalsock/pkg/signalsock/transform"
	"go.uber.org/zap"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen <url> [event-patterns...]",
	Short: "Print events received from a server",
	Long: `Connect to a server and print every event received as one line of
"event<TAB>json" on stdout.

The first argument is the URL to connect to. Additional arguments are event
name patterns (MQTT-style, "+" and "#" wildcards). If none are given every
event is printed, including the connect and disconnect lifecycle events.

Examples:
  signalsock listen ws://localhost:8080/events
  signalsock listen ws://localhost:8080/events "sensor/+/temperature" alert
  signalsock listen --jq '.value' --drop 'debug/#' wss://example.com/events`,
	Args: cobra.MinimumNArgs(1),
	RunE: runListen,
}

var (
	listenFlags connectionFlags
	jqQuery     string
	dropEvents  []string
)

func init() {
	rootCmd.AddCommand(listenCmd)

	listenFlags.register(listenCmd)
	listenCmd.Flags().StringVar(&jqQuery, "jq", "", "jq query applied to event data before printing")
	listenCmd.Flags().StringSliceVar(&dropEvents, "drop", nil, "event patterns to discard (repeatable)")
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := listenFlags.resolve(cmd, args[0])
	if err != nil {
		return err
	}

	patterns := args[1:]
	if len(patterns) == 0 {
		patterns = []string{"#"}
	}

	logger.Info("Starting listener",
		zap.String("url", cfg.URL),
		zap.String("transport", cfg.Transport),
		zap.Strings("patterns", patterns),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	builder, err := newListener(cfg, logger, patterns, dropEvents, jqQuery, &eventPrinter{out: cmd.OutOrStdout(), logger: logger})
	if err != nil {
		return err
	}

	disconnected := make(chan struct{})
	var once sync.Once
	channel, err := builder.
		On(cfg.SyntheticNames.Open, func(json.RawMessage) {
			logger.Info("Connected", zap.String("url", cfg.URL))
		}).
		On(cfg.SyntheticNames.Close, func(json.RawMessage) {
			logger.Info("Disconnected", zap.String("url", cfg.URL))
			if !cfg.Reconnect {
				once.Do(func() { close(disconnected) })
			}
		}).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	logger.Info("Listening for events... (Press Ctrl+C to exit)")

	select {
	case <-ctx.Done():
		logger.Debug("Signal received, exiting")
	case <-disconnected:
	}

	if err := channel.Close(); err != nil {
		logger.Warn("Error during close", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

// newListener builds a channel that prints the events matching patterns after
// the --drop and --jq transforms.
func newListener(cfg *ClientConfig, logger *zap.Logger, patterns, drops []string, query string, printer *eventPrinter) (*signalsock.ChannelBuilder, error) {
	builder := signalsock.NewChannel().
		WithConnection(cfg.ConnectionBuilder(logger)).
		WithLogger(logger).
		WithSyntheticNames(cfg.SyntheticNames)

	for _, pattern := range drops {
		builder = builder.WithTransform(transform.DropEventPattern(pattern))
	}

	if query != "" {
		jq, err := transform.JqTransform(query, logger)
		if err != nil {
			return nil, err
		}
		builder = builder.WithTransform(jq)
	}

	for _, pattern := range patterns {
		builder = builder.OnPattern(pattern, printer.print)
	}
	return builder, nil
}

type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.Logger
}

func (p *eventPrinter) print(event string, data json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if _, err := fmt.Fprintf(p.out, "%s\t%s\n", event, data); err != nil {
		p.logger.Warn("Failed to print event", zap.String("event", event), zap.Error(err))
	}
}
