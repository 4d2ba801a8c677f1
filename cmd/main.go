package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relay/modules/broker"
	"relay/modules/broker/types"
)

var pollInterval time.Duration

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - an in-memory publish/subscribe broker",
	Long: `Relay is an in-memory pub/sub broker core: topics, subscriptions,
consumer groups with round-robin delivery, and per-subscription offsets.

The demo command drives a broker through a publish/pause/resume scenario
and narrates the broker's event stream on the console.`,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted broker scenario and print its event stream",
	RunE:  runDemo,
}

func main() {
	demoCmd.Flags().DurationVar(&pollInterval, "poll-interval", 25*time.Millisecond, "dispatch poll interval")
	rootCmd.AddCommand(demoCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	b := broker.New(
		broker.WithLogger(logger),
		broker.WithPollInterval(pollInterval),
	)
	defer b.Close()

	// The presentation layer, not the core, narrates what happens.
	go narrate(b, logger)

	orders, err := b.CreateTopic("orders")
	if err != nil {
		return err
	}

	producer := b.NewProducer()
	worker := b.NewConsumer(func(msg types.Message) error {
		logger.Info("Handler processed message", zap.ByteString("payload", msg.Payload))
		return nil
	})
	sub, err := b.Subscribe(worker.ID, orders.ID, "")
	if err != nil {
		return err
	}

	if err := b.StartDispatch(); err != nil {
		return err
	}

	for _, payload := range []string{"A", "B", "C"} {
		if _, err := producer.Publish(orders.ID, []byte(payload)); err != nil {
			return err
		}
	}
	time.Sleep(4 * pollInterval)

	if err := b.SetConsumerState(worker.ID, types.ConsumerPaused); err != nil {
		return err
	}
	if _, err := producer.Publish(orders.ID, []byte("D")); err != nil {
		return err
	}
	time.Sleep(4 * pollInterval)
	logger.Info("Consumer paused, message pending", zap.Uint64("lag", b.Lag(sub.ID)))

	if err := b.SetConsumerState(worker.ID, types.ConsumerActive); err != nil {
		return err
	}
	time.Sleep(4 * pollInterval)
	logger.Info("Scenario complete", zap.Uint64("offset", b.GetOffset(sub.ID)))

	waitForShutdown(b, logger)
	return nil
}

func narrate(b *broker.Broker, logger *zap.Logger) {
	for ev := range b.Events() {
		logger.Info("Broker event",
			zap.String("kind", string(ev.Kind)),
			zap.String("topic_id", ev.TopicID.String()),
			zap.Uint64("sequence_index", ev.SequenceIndex),
			zap.String("group", ev.Group))
	}
}

func waitForShutdown(b *broker.Broker, logger *zap.Logger) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	<-signalChan
	logger.Info("Shutting down broker")
	if err := b.StopDispatch(); err != nil {
		logger.Error("Failed to stop dispatch loop", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
