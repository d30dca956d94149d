package broker

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

// ErrUnknownExchange is returned when routeMessage targets an exchange
// name that has not been configured. Re-entry onto an undefined
// exchange is silently dropped at the call site (spec.md §8, boundary
// behavior), not surfaced as a client-visible error.
var ErrUnknownExchange = errors.New("broker: unknown exchange")

// ErrHopLimitExceeded is logged and dropped when a routing cycle exceeds
// the hop limit (spec.md §4.2, re-entry safety).
var ErrHopLimitExceeded = errors.New("broker: exchange hop limit exceeded")

// ErrUnknownDistributionType is a fatal configuration error (spec.md §7).
var ErrUnknownDistributionType = errors.New("broker: unknown distribution type")

// HopLimit bounds re-entrant routing through Topic/Fanout/Distribution
// exchanges (spec.md §4.2, default 32).
const HopLimit = 32

// ExchangeClass names the four built-in routing strategies (spec.md §3).
type ExchangeClass string

const (
	ClassDirect       ExchangeClass = "direct"
	ClassTopic        ExchangeClass = "topic"
	ClassFanout       ExchangeClass = "fanout"
	ClassDistribution ExchangeClass = "distribution"
)

// DistributionType selects how Distribution picks one target.
type DistributionType string

const (
	DistributionRandom     DistributionType = "random"
	DistributionRoundRobin DistributionType = "roundrobin"
)

// Exchange is a named routing node. All four built-in classes implement
// the same routeMessage contract (spec.md §4.2); user-pluggable classes
// may be registered against the same interface (spec.md §9 Design
// Notes: tagged sum modeled as a small interface rather than a type
// switch, so a custom exchange factory can slot in without touching the
// Router).
type Exchange interface {
	Name() string
	Class() ExchangeClass
	// Route delivers/forwards msg addressed to tail (the destination
	// string with this exchange's own name already stripped) through
	// rt, which provides both direct delivery (to the Subscription
	// Table) and re-entry into the exchange graph.
	Route(rt Router, tail string, msg RoutedMessage) error
}

// Router is the narrow surface an Exchange needs from the Broker: local
// delivery to subscribers of an exact destination, and re-entry into the
// graph for another parsed destination. Kept as an interface, not the
// concrete *Broker, to avoid a hard dependency from exchange.go back
// onto broker.go's larger surface (spec.md §9 Design Notes: narrow
// interface for the Broker/ClusterManager-style cyclic collaboration).
type Router interface {
	DeliverLocal(destination string, msg RoutedMessage)
	RouteMessage(destination string, msg RoutedMessage) error
}

// RoutedMessage is the payload handed through the exchange graph. It
// wraps the parsed stomp.Message plus bookkeeping routing needs without
// forcing every Exchange implementation to import the broker's message
// construction helpers.
type RoutedMessage struct {
	Command     string
	Headers     map[string]string
	Body        []byte
	PublisherID string
}

// ParseDestination splits "<exchange>/<tail>" into its parts. An
// absent "/" implies exchange "direct" with dest as the tail (spec.md
// §3, Parsed Destination).
func ParseDestination(dest string) (exchangeName, tail string) {
	if i := strings.IndexByte(dest, '/'); i >= 0 {
		return dest[:i], dest[i+1:]
	}
	return string(ClassDirect), dest
}

// --- Direct -----------------------------------------------------------

// DirectExchange delivers to exact-match subscribers, then re-enters the
// graph for any bindings registered against the same destination
// (spec.md §4.2).
type DirectExchange struct {
	name     string
	bindings map[string]string // destination -> target destination
}

func NewDirectExchange(name string, bindings map[string]string) *DirectExchange {
	return &DirectExchange{name: name, bindings: bindings}
}

func (e *DirectExchange) Name() string         { return e.name }
func (e *DirectExchange) Class() ExchangeClass { return ClassDirect }

func (e *DirectExchange) Route(rt Router, tail string, msg RoutedMessage) error {
	rt.DeliverLocal(tail, msg)
	if target, ok := e.bindings[strings.ToLower(tail)]; ok {
		return rt.RouteMessage(target, msg)
	}
	return nil
}

// --- Topic --------------------------------------------------------------

type topicBinding struct {
	pattern *regexp.Regexp
	target  string
}

// TopicExchange re-routes to a bound target for every precompiled
// pattern matching the lowercased tail. It never delivers to
// subscribers directly (spec.md §4.2).
type TopicExchange struct {
	name     string
	bindings []topicBinding
}

// CompileTopicPattern turns a topic pattern into an anchored,
// case-folded regexp: "." -> "\.", "*" -> "[^\.]*", "#" -> ".*"
// (spec.md §3, Exchange). A "." directly followed by "#" becomes the
// optional group "(\..*)?", so "a.#" matches "a" as well as "a.b".
func CompileTopicPattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '.':
			if i+1 < len(runes) && runes[i+1] == '#' {
				b.WriteString(`(\..*)?`)
				i++
				continue
			}
			b.WriteString(`\.`)
		case '*':
			b.WriteString(`[^\.]*`)
		case '#':
			b.WriteString(`.*`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile("(?i)" + b.String())
}

func NewTopicExchange(name string, bindings map[string]string) (*TopicExchange, error) {
	e := &TopicExchange{name: name}
	for pattern, target := range bindings {
		re, err := CompileTopicPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("broker: invalid topic pattern %q: %w", pattern, err)
		}
		e.bindings = append(e.bindings, topicBinding{pattern: re, target: target})
	}
	return e, nil
}

func (e *TopicExchange) Name() string         { return e.name }
func (e *TopicExchange) Class() ExchangeClass { return ClassTopic }

func (e *TopicExchange) Route(rt Router, tail string, msg RoutedMessage) error {
	lower := strings.ToLower(tail)
	var firstErr error
	for _, b := range e.bindings {
		if b.pattern.MatchString(lower) {
			if err := rt.RouteMessage(b.target, msg); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// --- Fanout -------------------------------------------------------------

// FanoutExchange re-routes to every target bound to a matching name
// (spec.md §4.2).
type FanoutExchange struct {
	name     string
	bindings map[string][]string
}

func NewFanoutExchange(name string, bindings map[string][]string) *FanoutExchange {
	return &FanoutExchange{name: name, bindings: bindings}
}

func (e *FanoutExchange) Name() string         { return e.name }
func (e *FanoutExchange) Class() ExchangeClass { return ClassFanout }

func (e *FanoutExchange) Route(rt Router, tail string, msg RoutedMessage) error {
	targets, ok := e.bindings[strings.ToLower(tail)]
	if !ok {
		return nil
	}
	var firstErr error
	for _, target := range targets {
		if err := rt.RouteMessage(target, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- Distribution ---------------------------------------------------------

// DistributionExchange picks exactly one target per matching name, via
// random selection or a monotonic round-robin counter maintained under
// a per-exchange mutex (spec.md §4.2, §5).
type DistributionExchange struct {
	name     string
	kind     DistributionType
	bindings map[string][]string

	mu      sync.Mutex
	cursors map[string]int
}

func NewDistributionExchange(name string, kind DistributionType, bindings map[string][]string) (*DistributionExchange, error) {
	if kind != DistributionRandom && kind != DistributionRoundRobin {
		return nil, ErrUnknownDistributionType
	}
	return &DistributionExchange{
		name:     name,
		kind:     kind,
		bindings: bindings,
		cursors:  make(map[string]int),
	}, nil
}

func (e *DistributionExchange) Name() string         { return e.name }
func (e *DistributionExchange) Class() ExchangeClass { return ClassDistribution }

func (e *DistributionExchange) Route(rt Router, tail string, msg RoutedMessage) error {
	key := strings.ToLower(tail)
	targets, ok := e.bindings[key]
	if !ok || len(targets) == 0 {
		// Zero-length target list: no route, skip delivery (spec.md §9,
		// Open Question b).
		return nil
	}
	target := e.chooseNextDestination(key, targets)
	if target == "" {
		return nil
	}
	return rt.RouteMessage(target, msg)
}

func (e *DistributionExchange) chooseNextDestination(key string, targets []string) string {
	if len(targets) == 1 {
		return targets[0]
	}
	switch e.kind {
	case DistributionRandom:
		return targets[rand.Intn(len(targets))]
	case DistributionRoundRobin:
		e.mu.Lock()
		defer e.mu.Unlock()
		idx := e.cursors[key] % len(targets)
		e.cursors[key] = idx + 1
		return targets[idx]
	default:
		return ""
	}
}
