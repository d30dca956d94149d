package broker

import "testing"

func TestSubscriptionTableAddEachRemove(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add("direct/room", Subscription{Kind: SubscriptionChannel, ChannelID: "c1", SubscriptionID: "0"})
	tbl.Add("direct/room", Subscription{Kind: SubscriptionChannel, ChannelID: "c2", SubscriptionID: "0"})

	var seen []string
	tbl.Each("direct/room", func(s Subscription) { seen = append(seen, s.ChannelID) })
	if len(seen) != 2 {
		t.Fatalf("Each saw %d subscriptions, want 2", len(seen))
	}

	tbl.Remove("direct/room", "c1:0")
	seen = nil
	tbl.Each("direct/room", func(s Subscription) { seen = append(seen, s.ChannelID) })
	if len(seen) != 1 || seen[0] != "c2" {
		t.Errorf("after remove, seen = %v, want [c2]", seen)
	}
}

func TestSubscriptionTableRemoveUnknownIsNoop(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Remove("direct/does-not-exist", "c1:0") // must not panic
	tbl.Each("direct/does-not-exist", func(Subscription) {
		t.Fatal("unexpected subscription on untouched destination")
	})
}

func TestSubscriptionTableRemoveByChannelOnlyAffectsThatChannel(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add("direct/a", Subscription{Kind: SubscriptionChannel, ChannelID: "c1", SubscriptionID: "0"})
	tbl.Add("direct/b", Subscription{Kind: SubscriptionChannel, ChannelID: "c1", SubscriptionID: "1"})
	tbl.Add("direct/a", Subscription{Kind: SubscriptionChannel, ChannelID: "c2", SubscriptionID: "0"})

	tbl.RemoveByChannel("c1")

	var remaining []string
	tbl.Each("direct/a", func(s Subscription) { remaining = append(remaining, s.ChannelID) })
	tbl.Each("direct/b", func(s Subscription) { remaining = append(remaining, s.ChannelID) })

	if len(remaining) != 1 || remaining[0] != "c2" {
		t.Errorf("remaining = %v, want [c2]", remaining)
	}
}

func TestSubscriptionTableRemoveAllInternalKeepsChannelSubs(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add("direct/a", Subscription{Kind: SubscriptionChannel, ChannelID: "c1", SubscriptionID: "0"})
	tbl.Add("direct/a", Subscription{Kind: SubscriptionInternal, SubscriptionID: "internal-x"})

	tbl.RemoveAllInternal()

	var kinds []SubscriptionKind
	tbl.Each("direct/a", func(s Subscription) { kinds = append(kinds, s.Kind) })
	if len(kinds) != 1 || kinds[0] != SubscriptionChannel {
		t.Errorf("kinds = %v, want only SubscriptionChannel", kinds)
	}
}
