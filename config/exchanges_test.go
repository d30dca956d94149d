package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExchangesEmptyPathReturnsZeroValue(t *testing.T) {
	spec, err := LoadExchanges("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.Exchanges) != 0 || len(spec.Subscriptions) != 0 {
		t.Fatalf("expected an empty spec, got %+v", spec)
	}
}

func TestLoadExchangesParsesExchangesAndSubscriptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exchanges.yaml")
	contents := `
exchanges:
  rooms:
    class: topic
    bindings:
      "chat.*.public":
        - direct/lobby
  fanout-alerts:
    class: fanout
    bindings:
      outage:
        - direct/ops
        - direct/oncall
  shard:
    class: distribution
    type: roundrobin
    bindings:
      workers:
        - direct/worker-a
        - direct/worker-b
subscriptions:
  direct/audit: log
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	spec, err := LoadExchanges(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := spec.Exchanges["rooms"].Class; got != "topic" {
		t.Fatalf("expected rooms class topic, got %q", got)
	}
	if got := spec.Exchanges["shard"].Type; got != "roundrobin" {
		t.Fatalf("expected shard type roundrobin, got %q", got)
	}
	if targets := spec.Exchanges["fanout-alerts"].Bindings["outage"]; len(targets) != 2 {
		t.Fatalf("expected 2 fanout targets, got %v", targets)
	}
	if cb := spec.Subscriptions["direct/audit"]; cb != "log" {
		t.Fatalf("expected direct/audit subscription to reference log, got %q", cb)
	}
}

func TestLoadExchangesRejectsMissingFile(t *testing.T) {
	if _, err := LoadExchanges("/nonexistent/path/exchanges.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
