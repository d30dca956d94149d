package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/broker"
	"github.com/coldbox-modules/socketbox/config"
	"github.com/coldbox-modules/socketbox/stomp"
)

func TestConfigureExchangeGraphRegistersExchangesAndSubscriptions(t *testing.T) {
	b := broker.New(broker.Config{}, nil, nil, zerolog.Nop())

	spec := &config.ExchangesSpec{
		Exchanges: map[string]config.ExchangeSpec{
			"alerts": {
				Class: "fanout",
				Bindings: map[string][]string{
					"outage": {"direct/ops", "direct/oncall"},
				},
			},
		},
		Subscriptions: map[string]string{
			"direct/audit": "log",
		},
	}

	if err := configureExchangeGraph(b, spec, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	received := make(chan stomp.Message, 2)
	b.RegisterInternal("direct/ops", "test-ops", func(msg stomp.Message) { received <- msg })
	b.RegisterInternal("direct/oncall", "test-oncall", func(msg stomp.Message) { received <- msg })

	if err := b.RouteMessage("alerts/outage", broker.RoutedMessage{Command: stomp.CmdSend, Body: []byte("down")}, 0); err != nil {
		t.Fatalf("unexpected error routing through configured fanout exchange: %v", err)
	}

	if len(received) != 2 {
		t.Fatalf("expected the fanout binding to reach both internal subscriptions, got %d deliveries", len(received))
	}
}

func TestConfigureExchangeGraphRejectsUnknownCallback(t *testing.T) {
	b := broker.New(broker.Config{}, nil, nil, zerolog.Nop())
	spec := &config.ExchangesSpec{
		Subscriptions: map[string]string{"direct/audit": "does-not-exist"},
	}
	if err := configureExchangeGraph(b, spec, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an unknown internal callback name")
	}
}

func TestConfigureExchangeGraphRejectsUnknownClass(t *testing.T) {
	b := broker.New(broker.Config{}, nil, nil, zerolog.Nop())
	spec := &config.ExchangesSpec{
		Exchanges: map[string]config.ExchangeSpec{
			"mystery": {Class: "quantum"},
		},
	}
	if err := configureExchangeGraph(b, spec, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an unrecognized exchange class")
	}
}
