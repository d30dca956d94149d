// Package kafkabridge consumes an external Kafka topic and re-enters the
// exchange graph as though each record were a SEND frame, grounded on
// the teacher's kafka/consumer.go and internal/shared/kafka/consumer.go:
// the same franz-go client construction, consumer-group configuration,
// and PollFetches loop, generalized from "publish JSON to WebSocket
// clients" to "route a record through an exchange". cmd/socketbox starts
// it when Kafka brokers and a topic are configured and it feeds records
// through Router.IngestExternal; not part of spec.md itself.
package kafkabridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coldbox-modules/socketbox/metrics"
	"github.com/coldbox-modules/socketbox/resources"
)

// Router is the narrow surface the bridge needs from the broker: route
// one record into the exchange graph as a SEND (spec.md §9 Design
// Notes' narrow-interface pattern, mirroring broker.Router/Broadcaster).
type Router interface {
	IngestExternal(destination string, headers map[string]string, body []byte) error
}

// Guard is the narrow surface the bridge needs from resources.Guard:
// backpressure on ingestion so a burst of Kafka traffic cannot starve
// STOMP connections sharing the same process.
type Guard interface {
	AllowKafkaMessage() (allow bool, waitDuration time.Duration)
	ShouldPauseKafka() bool
}

// Config configures a Bridge.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	// Destination is the full destination (exchange/tail, e.g.
	// "direct/kafka") records are routed to. When more
	// than one topic is configured, each record's destination is
	// Destination + "/" + its topic name so subscribers can still
	// narrow to one topic via a topic exchange; with a single topic,
	// Destination is used as-is.
	Destination string
	// Workers bounds how many records from one fetch batch are routed
	// concurrently; 0 falls back to a single worker (sequential).
	Workers int
}

// Bridge wraps a franz-go consumer and feeds every record into a Router.
type Bridge struct {
	cfg    Config
	client *kgo.Client
	router Router
	guard  Guard
	log    zerolog.Logger
	pool   *resources.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Bridge. guard may be nil to disable backpressure.
func New(cfg Config, router Router, guard Guard, log zerolog.Logger) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkabridge: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafkabridge: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafkabridge: at least one topic is required")
	}
	if router == nil {
		return nil, fmt.Errorf("kafkabridge: a router is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info().Interface("partitions", assigned).Msg("kafka bridge partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("kafka bridge partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: create client: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		client: client,
		router: router,
		guard:  guard,
		log:    log.With().Str("component", "kafkabridge.Bridge").Logger(),
		pool:   resources.NewWorkerPool(workers, workers*100, log),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins consuming in the background.
func (br *Bridge) Start() {
	br.pool.Start(br.ctx)
	br.wg.Add(1)
	go br.consumeLoop()
	br.log.Info().Strs("topics", br.cfg.Topics).Str("destination", br.cfg.Destination).Msg("kafka bridge started")
}

// Stop cancels consumption and waits for the loop and its workers to
// exit.
func (br *Bridge) Stop() {
	br.cancel()
	br.wg.Wait()
	br.pool.Stop()
	br.client.Close()
	br.log.Info().Msg("kafka bridge stopped")
}

func (br *Bridge) consumeLoop() {
	defer br.wg.Done()
	for {
		select {
		case <-br.ctx.Done():
			return
		default:
		}

		if br.guard != nil && br.guard.ShouldPauseKafka() {
			select {
			case <-br.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		fetches := br.client.PollFetches(br.ctx)
		if br.ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			br.log.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka bridge fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			br.pool.Submit(func() { br.processRecord(record) })
		})
	}
}

func (br *Bridge) processRecord(record *kgo.Record) {
	metrics.KafkaMessagesReceivedTotal.Inc()

	if br.guard != nil {
		if allow, wait := br.guard.AllowKafkaMessage(); !allow {
			br.log.Warn().Dur("wait", wait).Str("topic", record.Topic).Msg("kafka bridge dropping record: rate limited")
			metrics.KafkaMessagesDroppedTotal.Inc()
			return
		}
	}

	destination := br.destinationFor(record.Topic)
	headers := map[string]string{
		"kafka-topic":     record.Topic,
		"kafka-partition": fmt.Sprintf("%d", record.Partition),
		"kafka-offset":    fmt.Sprintf("%d", record.Offset),
	}
	if len(record.Key) > 0 {
		headers["kafka-key"] = string(record.Key)
	}

	if err := br.router.IngestExternal(destination, headers, record.Value); err != nil {
		br.log.Error().Err(err).Str("destination", destination).Str("topic", record.Topic).Msg("kafka bridge routing failed")
		metrics.KafkaMessagesDroppedTotal.Inc()
		return
	}

	br.log.Debug().Str("destination", destination).Str("topic", record.Topic).Int64("offset", record.Offset).Msg("kafka bridge routed record")
}

func (br *Bridge) destinationFor(topic string) string {
	if len(br.cfg.Topics) <= 1 {
		return br.cfg.Destination
	}
	return strings.TrimRight(br.cfg.Destination, "/") + "/" + topic
}
