package kafkabridge

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type recordingRouter struct {
	destinations []string
	headers      []map[string]string
	bodies       [][]byte
	err          error
}

func (r *recordingRouter) IngestExternal(destination string, headers map[string]string, body []byte) error {
	r.destinations = append(r.destinations, destination)
	r.headers = append(r.headers, headers)
	r.bodies = append(r.bodies, body)
	return r.err
}

type fakeGuard struct {
	allow    bool
	wait     time.Duration
	paused   bool
	allowLog []bool
}

func (g *fakeGuard) AllowKafkaMessage() (bool, time.Duration) {
	g.allowLog = append(g.allowLog, g.allow)
	return g.allow, g.wait
}

func (g *fakeGuard) ShouldPauseKafka() bool { return g.paused }

func newTestBridge(topics []string, destination string, router Router, guard Guard) *Bridge {
	return &Bridge{
		cfg: Config{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "test-group",
			Topics:        topics,
			Destination:   destination,
		},
		router: router,
		guard:  guard,
		log:    zerolog.Nop(),
	}
}

func TestDestinationForSingleTopicUsesDestinationDirectly(t *testing.T) {
	br := newTestBridge([]string{"trades"}, "direct/kafka", nil, nil)
	if got := br.destinationFor("trades"); got != "direct/kafka" {
		t.Fatalf("got %q, want %q", got, "direct/kafka")
	}
}

func TestDestinationForMultipleTopicsAppendsTopicName(t *testing.T) {
	br := newTestBridge([]string{"trades", "liquidity"}, "topic/kafka", nil, nil)
	if got := br.destinationFor("trades"); got != "topic/kafka/trades" {
		t.Fatalf("got %q, want %q", got, "topic/kafka/trades")
	}
	if got := br.destinationFor("liquidity"); got != "topic/kafka/liquidity" {
		t.Fatalf("got %q, want %q", got, "topic/kafka/liquidity")
	}
}

func TestDestinationForMultipleTopicsTrimsTrailingSlash(t *testing.T) {
	br := newTestBridge([]string{"a", "b"}, "topic/kafka/", nil, nil)
	if got := br.destinationFor("a"); got != "topic/kafka/a" {
		t.Fatalf("got %q, want %q", got, "topic/kafka/a")
	}
}

func TestProcessRecordRoutesThroughRouter(t *testing.T) {
	router := &recordingRouter{}
	br := newTestBridge([]string{"trades"}, "direct/kafka", router, nil)

	br.processRecord(&kgo.Record{Topic: "trades", Partition: 0, Offset: 42, Key: []byte("tok-1"), Value: []byte(`{"x":1}`)})

	if len(router.destinations) != 1 || router.destinations[0] != "direct/kafka" {
		t.Fatalf("expected one routed record to direct/kafka, got %v", router.destinations)
	}
	if router.headers[0]["kafka-topic"] != "trades" || router.headers[0]["kafka-key"] != "tok-1" {
		t.Fatalf("unexpected headers: %v", router.headers[0])
	}
}

func TestProcessRecordDroppedWhenGuardDenies(t *testing.T) {
	router := &recordingRouter{}
	guard := &fakeGuard{allow: false, wait: 10 * time.Millisecond}
	br := newTestBridge([]string{"trades"}, "direct/kafka", router, guard)

	br.processRecord(&kgo.Record{Topic: "trades", Value: []byte("x")})

	if len(router.destinations) != 0 {
		t.Fatalf("expected no routed records when the guard denies admission, got %v", router.destinations)
	}
}

func TestProcessRecordRoutesWhenGuardAllows(t *testing.T) {
	router := &recordingRouter{}
	guard := &fakeGuard{allow: true}
	br := newTestBridge([]string{"trades"}, "direct/kafka", router, guard)

	br.processRecord(&kgo.Record{Topic: "trades", Value: []byte("x")})

	if len(router.destinations) != 1 {
		t.Fatalf("expected one routed record, got %v", router.destinations)
	}
}
