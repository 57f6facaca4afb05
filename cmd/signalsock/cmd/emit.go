package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/tsarna/signalsock/pkg/signalsock"
	"go.uber.org/zap"
)

// emitCmd represents the emit command
var emitCmd = &cobra.Command{
	Use:   "emit <url> <event> [data]",
	Short: "Send an event to a server",
	Long: `Connect to a server, send one event and disconnect.

The first argument is the URL to connect to, the second the event name. The
optional third argument is the event data; it is sent as JSON when it parses
as JSON and as a JSON string otherwise. Without it the data is null.

With --schedule the connection stays up and the event is sent on every tick of
the cron schedule until interrupted.

Examples:
  signalsock emit ws://localhost:8080/events ping
  signalsock emit ws://localhost:8080/events reading '{"value":25.5}'
  signalsock emit --schedule '@every 10s' ws://localhost:8080/events heartbeat`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runEmit,
}

var (
	emitFlags    connectionFlags
	emitTimeout  time.Duration
	emitSchedule string
	emitTimezone string
)

func init() {
	rootCmd.AddCommand(emitCmd)

	emitFlags.register(emitCmd)
	emitCmd.Flags().DurationVar(&emitTimeout, "timeout", 30*time.Second, "how long to wait for the connection when sending once")
	emitCmd.Flags().StringVar(&emitSchedule, "schedule", "", "cron schedule for repeated sends (e.g. \"*/5 * * * *\" or \"@every 10s\")")
	emitCmd.Flags().StringVar(&emitTimezone, "timezone", "Local", "timezone for --schedule")
}

func runEmit(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := emitFlags.resolve(cmd, args[0])
	if err != nil {
		return err
	}

	event := args[1]
	var data json.RawMessage
	if len(args) > 2 {
		data = parseData(args[2])
	}

	logger.Info("Emitting event",
		zap.String("url", cfg.URL),
		zap.String("event", event),
		zap.String("schedule", emitSchedule),
	)

	if emitSchedule == "" {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		return emitOnce(ctx, cfg, logger, event, data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return emitScheduled(ctx, cfg, logger, emitSchedule, emitTimezone, event, data)
}

// parseData returns arg as JSON when it is valid JSON, otherwise as a JSON
// string.
func parseData(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}

// emitOnce waits for the channel to connect, sends one event and closes.
func emitOnce(ctx context.Context, cfg *ClientConfig, logger *zap.Logger, event string, data json.RawMessage) error {
	connected := make(chan struct{}, 1)
	channel, err := signalsock.NewChannel().
		WithConnection(cfg.ConnectionBuilder(logger)).
		WithLogger(logger).
		WithSyntheticNames(cfg.SyntheticNames).
		On(cfg.SyntheticNames.Open, func(json.RawMessage) {
			select {
			case connected <- struct{}{}:
			default:
			}
		}).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer channel.Close()

	select {
	case <-connected:
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to %s: %w", cfg.URL, ctx.Err())
	}

	if err := channel.Send(event, data); err != nil {
		return fmt.Errorf("failed to send event %q: %w", event, err)
	}

	logger.Info("Event sent", zap.String("event", event))
	return nil
}

// emitScheduled keeps a channel open and sends the event on every tick of
// schedule until ctx is done. Ticks that find the connection down are skipped.
func emitScheduled(ctx context.Context, cfg *ClientConfig, logger *zap.Logger, schedule, timezone string, event string, data json.RawMessage) error {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	channel, err := signalsock.NewChannel().
		WithConnection(cfg.ConnectionBuilder(logger)).
		WithLogger(logger).
		WithSyntheticNames(cfg.SyntheticNames).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer channel.Close()

	scheduler, err := newScheduler(logger, location, schedule, &emitJob{
		channel: channel,
		event:   event,
		data:    data,
		logger:  logger,
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	logger.Info("Emitting on schedule... (Press Ctrl+C to exit)", zap.String("schedule", schedule))

	<-ctx.Done()
	<-scheduler.Stop().Done()

	logger.Info("Shutdown complete")
	return nil
}

func newScheduler(logger *zap.Logger, location *time.Location, schedule string, job cron.Job) (*cron.Cron, error) {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	scheduler := cron.New(
		cron.WithLogger(NewZapCronLogger(logger)),
		cron.WithParser(parser),
		cron.WithLocation(location),
	)
	if _, err := scheduler.AddJob(schedule, job); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return scheduler, nil
}

// emitJob sends one event per run.
type emitJob struct {
	channel *signalsock.Channel
	event   string
	data    json.RawMessage
	logger  *zap.Logger
}

func (j *emitJob) Run() {
	err := j.channel.Send(j.event, j.data)
	switch {
	case errors.Is(err, signalsock.ErrInvalidState):
		j.logger.Warn("Skipping scheduled send, not connected",
			zap.String("event", j.event),
			zap.Stringer("state", j.channel.Connection().State()))
	case err != nil:
		j.logger.Error("Scheduled send failed", zap.String("event", j.event), zap.Error(err))
	default:
		j.logger.Debug("Scheduled send", zap.String("event", j.event))
	}
}

// ZapCronLogger adapts a zap.Logger to implement the cron.Logger interface
type ZapCronLogger struct {
	logger *zap.Logger
}

// NewZapCronLogger creates a new ZapCronLogger that wraps the given zap.Logger
func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs cron's routine messages at debug level.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, cronFields(keysAndValues)...)
}

// Error logs cron errors at error level.
func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
