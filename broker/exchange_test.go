package broker

import "testing"

func TestParseDestination(t *testing.T) {
	cases := []struct {
		in, exchange, tail string
	}{
		{"direct/room", "direct", "room"},
		{"room", "direct", "room"},
		{"topic/orders.new", "topic", "orders.new"},
		{"fanout/a/b", "fanout", "a/b"},
	}
	for _, c := range cases {
		ex, tail := ParseDestination(c.in)
		if ex != c.exchange || tail != c.tail {
			t.Errorf("ParseDestination(%q) = (%q, %q), want (%q, %q)", c.in, ex, tail, c.exchange, c.tail)
		}
	}
}

func TestTopicPatternMatching(t *testing.T) {
	multiSeg, err := CompileTopicPattern("a.#")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"a", "a.b", "a.b.c"} {
		if !multiSeg.MatchString(s) {
			t.Errorf("pattern a.# should match %q", s)
		}
	}

	star, err := CompileTopicPattern("a.*")
	if err != nil {
		t.Fatal(err)
	}
	if !star.MatchString("a.b") {
		t.Errorf("pattern a.* should match a.b")
	}
	if star.MatchString("a.b.c") {
		t.Errorf("pattern a.* should not match a.b.c")
	}
	if !star.MatchString("A.B") {
		t.Errorf("topic matching must be case-insensitive")
	}
}

// recordingRouter is a minimal Router used to observe what an exchange
// re-enters with, without needing a full Broker.
type recordingRouter struct {
	delivered []string
	routed    []string
}

func (r *recordingRouter) DeliverLocal(destination string, _ RoutedMessage) {
	r.delivered = append(r.delivered, destination)
}

func (r *recordingRouter) RouteMessage(destination string, _ RoutedMessage) error {
	r.routed = append(r.routed, destination)
	return nil
}

func TestFanoutRoutesToEveryTarget(t *testing.T) {
	ex := NewFanoutExchange("fanout", map[string][]string{
		"broadcast": {"direct/x", "direct/y"},
	})
	rt := &recordingRouter{}
	if err := ex.Route(rt, "broadcast", RoutedMessage{}); err != nil {
		t.Fatal(err)
	}
	if len(rt.routed) != 2 || rt.routed[0] != "direct/x" || rt.routed[1] != "direct/y" {
		t.Errorf("fanout routed = %v, want [direct/x direct/y]", rt.routed)
	}
}

func TestDistributionRoundRobinCyclesAllTargets(t *testing.T) {
	ex, err := NewDistributionExchange("dist", DistributionRoundRobin, map[string][]string{
		"jobs": {"direct/a", "direct/b", "direct/c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rt := &recordingRouter{}
	for i := 0; i < 4; i++ {
		if err := ex.Route(rt, "jobs", RoutedMessage{}); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"direct/a", "direct/b", "direct/c", "direct/a"}
	for i, w := range want {
		if rt.routed[i] != w {
			t.Errorf("round robin call %d = %q, want %q", i, rt.routed[i], w)
		}
	}
}

func TestDistributionSingleTargetAlwaysWins(t *testing.T) {
	ex, err := NewDistributionExchange("dist", DistributionRandom, map[string][]string{
		"jobs": {"direct/only"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rt := &recordingRouter{}
	for i := 0; i < 5; i++ {
		_ = ex.Route(rt, "jobs", RoutedMessage{})
	}
	for _, got := range rt.routed {
		if got != "direct/only" {
			t.Errorf("got %q, want direct/only", got)
		}
	}
}

func TestDistributionUnknownTypeIsFatalConfigError(t *testing.T) {
	_, err := NewDistributionExchange("dist", "bogus", nil)
	if err != ErrUnknownDistributionType {
		t.Errorf("err = %v, want ErrUnknownDistributionType", err)
	}
}

func TestDistributionEmptyTargetListSkipsDelivery(t *testing.T) {
	ex, err := NewDistributionExchange("dist", DistributionRoundRobin, map[string][]string{
		"jobs": {},
	})
	if err != nil {
		t.Fatal(err)
	}
	rt := &recordingRouter{}
	if err := ex.Route(rt, "jobs", RoutedMessage{}); err != nil {
		t.Fatal(err)
	}
	if len(rt.routed) != 0 {
		t.Errorf("expected no routing for empty target list, got %v", rt.routed)
	}
}
