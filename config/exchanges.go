package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExchangesSpec is the config-driven exchange graph: the exchange
// bindings and internal subscriptions that spec.md §6 describes as
// "exchanges.<name>.class/bindings/type" and "subscriptions", parsed
// from an optional YAML side file (env vars can't naturally express
// nested maps). A zero-value ExchangesSpec registers nothing beyond
// the default direct exchange broker.New always provides.
type ExchangesSpec struct {
	Exchanges     map[string]ExchangeSpec `yaml:"exchanges"`
	Subscriptions map[string]string       `yaml:"subscriptions"`
}

// ExchangeSpec describes one exchange to register. Bindings is always
// keyed by the exchange-specific lookup key (an exact destination for
// direct, a topic pattern for topic, a bound name for fanout and
// distribution) with one or more targets; direct and topic exchanges
// only ever act on the first configured target per key.
type ExchangeSpec struct {
	Class    string              `yaml:"class"`
	Type     string              `yaml:"type"`
	Bindings map[string][]string `yaml:"bindings"`
}

// LoadExchanges reads and parses path. An empty path is not an error:
// it means the deployment relies solely on the default direct
// exchange and registers no internal subscriptions.
func LoadExchanges(path string) (*ExchangesSpec, error) {
	if path == "" {
		return &ExchangesSpec{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read exchanges file %s: %w", path, err)
	}
	spec := &ExchangesSpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("config: parse exchanges file %s: %w", path, err)
	}
	return spec, nil
}
