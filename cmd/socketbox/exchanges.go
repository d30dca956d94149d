package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/broker"
	"github.com/coldbox-modules/socketbox/config"
	"github.com/coldbox-modules/socketbox/stomp"
)

// internalCallbacks names the server-side callbacks a "subscriptions"
// entry in the exchanges config file may reference by name. Extending
// this registry, not the exchanges file itself, is how a deployment
// adds a new internal subscription's behavior.
func internalCallbacks(log zerolog.Logger) map[string]broker.InternalCallback {
	return map[string]broker.InternalCallback{
		"log": func(msg stomp.Message) {
			log.Info().Str("command", msg.Command).Int("body_bytes", len(msg.Body)).Msg("internal subscription received message")
		},
	}
}

// configureExchangeGraph registers every exchange and internal
// subscription named in spec against b, in addition to the default
// direct exchange broker.New always provides (spec.md §6: "A default
// direct exchange always exists even if omitted.").
func configureExchangeGraph(b *broker.Broker, spec *config.ExchangesSpec, log zerolog.Logger) error {
	for name, ex := range spec.Exchanges {
		built, err := buildExchange(name, ex)
		if err != nil {
			return err
		}
		b.RegisterExchange(built)
		log.Info().Str("exchange", name).Str("class", ex.Class).Msg("registered configured exchange")
	}

	callbacks := internalCallbacks(log)
	for destination, callbackName := range spec.Subscriptions {
		cb, ok := callbacks[callbackName]
		if !ok {
			return fmt.Errorf("exchanges config: destination %q references unknown internal callback %q", destination, callbackName)
		}
		b.RegisterInternal(destination, callbackName, cb)
		log.Info().Str("destination", destination).Str("callback", callbackName).Msg("registered internal subscription")
	}
	return nil
}

// buildExchange constructs the Exchange named by ex.Class. Direct and
// topic exchanges bind one target per key, so a fanout-shaped
// []string binding list is collapsed with firstTarget; fanout and
// distribution use the list as-is.
func buildExchange(name string, ex config.ExchangeSpec) (broker.Exchange, error) {
	switch broker.ExchangeClass(ex.Class) {
	case broker.ClassDirect:
		return broker.NewDirectExchange(name, firstTarget(ex.Bindings)), nil
	case broker.ClassTopic:
		return broker.NewTopicExchange(name, firstTarget(ex.Bindings))
	case broker.ClassFanout:
		return broker.NewFanoutExchange(name, ex.Bindings), nil
	case broker.ClassDistribution:
		return broker.NewDistributionExchange(name, broker.DistributionType(ex.Type), ex.Bindings)
	default:
		return nil, fmt.Errorf("exchanges config: exchange %q has unknown class %q", name, ex.Class)
	}
}

func firstTarget(bindings map[string][]string) map[string]string {
	out := make(map[string]string, len(bindings))
	for key, targets := range bindings {
		if len(targets) > 0 {
			out[key] = targets[0]
		}
	}
	return out
}
