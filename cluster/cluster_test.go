package cluster

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClassifyChannelSelfManagementRegular(t *testing.T) {
	const secret = "shared-secret"
	const myName = "ws://node-a:8080"

	class, peer := ClassifyChannel(secret, myName, secret, myName)
	if class != ClassSelf || peer != "" {
		t.Fatalf("self link: got class=%v peer=%q", class, peer)
	}

	class, peer = ClassifyChannel(secret, "ws://node-b:8080", secret, myName)
	if class != ClassManagement || peer != "ws://node-b:8080" {
		t.Fatalf("management link: got class=%v peer=%q", class, peer)
	}

	class, _ = ClassifyChannel("", "", secret, myName)
	if class != ClassRegular {
		t.Fatalf("no management header: got class=%v, want ClassRegular", class)
	}

	class, _ = ClassifyChannel("wrong-secret", "ws://node-b:8080", secret, myName)
	if class != ClassRegular {
		t.Fatalf("mismatched secret: got class=%v, want ClassRegular", class)
	}
}

// loopbackSender delivers every SendToPeer call straight into the named
// target's envelope handlers, standing in for a real PeerLink in these
// tests. Only names present in targets are considered connected, so
// fan-out tests can exercise an unreachable peer alongside a live one.
type loopbackSender struct {
	mu      sync.Mutex
	targets map[string]*RPCCoordinator
	dropAll bool
}

func (s *loopbackSender) SendToPeer(peerName, text string) error {
	s.mu.Lock()
	target, drop := s.targets[peerName], s.dropAll
	s.mu.Unlock()
	if drop || target == nil {
		return nil
	}
	switch {
	case strings.HasPrefix(text, EnvelopeRPCRequest):
		go target.HandleRequestEnvelope(strings.TrimPrefix(text, EnvelopeRPCRequest))
	case strings.HasPrefix(text, EnvelopeRPCResponse):
		go target.HandleResponseEnvelope(strings.TrimPrefix(text, EnvelopeRPCResponse))
	}
	return nil
}

func (s *loopbackSender) PeerConnected(peerName string) bool {
	if s.dropAll {
		return true // still "connected"; the request is the part that gets dropped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[peerName] != nil
}

func TestRPCRequestBuiltinConnectionCountRoundTrip(t *testing.T) {
	log := zerolog.Nop()
	senderA := &loopbackSender{}
	senderB := &loopbackSender{}

	a := NewRPCCoordinator("node-a", senderA, nil, nil, log)
	b := NewRPCCoordinator("node-b", senderB, func() int { return 7 }, nil, log)
	senderA.targets = map[string]*RPCCoordinator{"node-b": b}
	senderB.targets = map[string]*RPCCoordinator{"node-a": a}

	result, err := a.RPCRequest("node-b", "getSTOMPCConnections", nil, time.Second, nil)
	if err != nil {
		t.Fatalf("RPCRequest: %v", err)
	}
	if result != float64(7) {
		t.Fatalf("got %v, want 7", result)
	}
}

func TestRPCRequestUnknownOperationFails(t *testing.T) {
	log := zerolog.Nop()
	senderA := &loopbackSender{}
	senderB := &loopbackSender{}
	a := NewRPCCoordinator("node-a", senderA, nil, nil, log)
	b := NewRPCCoordinator("node-b", senderB, nil, nil, log)
	senderA.targets = map[string]*RPCCoordinator{"node-b": b}
	senderB.targets = map[string]*RPCCoordinator{"node-a": a}

	_, err := a.RPCRequest("node-b", "doesNotExist", nil, time.Second, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown operation")
	}
}

func TestRPCRequestTimeoutReturnsDefaultValue(t *testing.T) {
	log := zerolog.Nop()
	senderA := &loopbackSender{dropAll: true}
	a := NewRPCCoordinator("node-a", senderA, nil, nil, log)

	result, err := a.RPCRequest("node-b", "uptime", nil, 20*time.Millisecond, "fallback")
	if err != nil {
		t.Fatalf("with a defaultValue, timeout must not surface an error: %v", err)
	}
	if result != "fallback" {
		t.Fatalf("got %v, want fallback", result)
	}
}

func TestRPCRequestPeerNotFoundWithoutDefault(t *testing.T) {
	log := zerolog.Nop()
	sender := &fixedConnectedSender{connected: false}
	a := NewRPCCoordinator("node-a", sender, nil, nil, log)

	_, err := a.RPCRequest("node-b", "uptime", nil, time.Second, nil)
	if err != ErrPeerNotFound {
		t.Fatalf("got %v, want ErrPeerNotFound", err)
	}
}

type fixedConnectedSender struct{ connected bool }

func (s *fixedConnectedSender) SendToPeer(string, string) error { return nil }
func (s *fixedConnectedSender) PeerConnected(string) bool       { return s.connected }

func TestRPCClusterRequestIsolatesPerPeerFailure(t *testing.T) {
	log := zerolog.Nop()
	senderA := &loopbackSender{}
	senderB := &loopbackSender{}
	a := NewRPCCoordinator("node-a", senderA, nil, nil, log)
	b := NewRPCCoordinator("node-b", senderB, func() int { return 3 }, nil, log)
	senderA.targets = map[string]*RPCCoordinator{"node-b": b}
	senderB.targets = map[string]*RPCCoordinator{"node-a": a}

	results := a.RPCClusterRequest([]string{"node-b", "node-c"}, "getSTOMPCConnections", nil, 200*time.Millisecond, nil)

	if !results["node-b"].Success || results["node-b"].Result != float64(3) {
		t.Fatalf("node-b result = %+v, want success with 3", results["node-b"])
	}
	if results["node-c"].Success {
		t.Fatalf("node-c has no loopback wiring and must fail, got %+v", results["node-c"])
	}
}
