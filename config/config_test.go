package config

import "testing"

func validConfig() *Config {
	return &Config{
		Addr:           ":3002",
		MaxConnections: 500,
		LogLevel:       "info",
		LogFormat:      "json",
		CacheProvider:  "memory",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsMissingAddr(t *testing.T) {
	c := validConfig()
	c.Addr = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for empty Addr")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized log level")
	}
}

func TestValidateRequiresNATSURLForNATSCache(t *testing.T) {
	c := validConfig()
	c.CacheProvider = "nats"
	c.NATSURL = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when nats cache provider has no URL")
	}
}

func TestValidateRequiresNameAndSecretWhenClusterEnabled(t *testing.T) {
	c := validConfig()
	c.ClusterEnable = true
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for cluster enabled without name/secret")
	}
	c.ClusterName = "ws://node-a:3002"
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for cluster enabled without secret")
	}
	c.ClusterSecret = "s3cr3t"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config once name and secret are set, got %v", err)
	}
}

func TestPeerListSplitsAndTrims(t *testing.T) {
	c := validConfig()
	c.ClusterPeers = "ws://a:3002, ws://b:3002 ,,ws://c:3002"
	got := c.PeerList()
	want := []string{"ws://a:3002", "ws://b:3002", "ws://c:3002"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
