package stomp

import (
	"bytes"
	"testing"
)

func TestParseSerializeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("CONNECT\naccept-version:1.2\nhost:localhost\n\n\x00"),
		[]byte("SEND\ndestination:direct/room\ncontent-type:text/plain\n\nhello\x00"),
		[]byte("SUBSCRIBE\nid:0\ndestination:direct/room\nack:auto\n\n\x00"),
		[]byte("SEND\ndestination:direct/x\n\nline1\\nline2\x00"),
	}

	for _, raw := range cases {
		msg, heartbeat, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if heartbeat {
			t.Fatalf("Parse(%q) unexpectedly reported heartbeat", raw)
		}
		out := Serialize(msg)
		if !bytes.Equal(out, raw) {
			t.Errorf("round trip mismatch:\n  in:  %q\n  out: %q", raw, out)
		}
	}
}

func TestParseEmptyFrameIsHeartbeat(t *testing.T) {
	_, heartbeat, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error: %v", err)
	}
	if !heartbeat {
		t.Fatalf("Parse(nil) expected heartbeat=true")
	}
}

func TestHeaderEscaping(t *testing.T) {
	raw := []byte("SEND\ndestination:a\\cb\nfoo:va\\\\lue\\nwith\\rescape\n\nbody\x00")
	msg, _, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	dest, _ := msg.Headers.Get("destination")
	if dest != "a:b" {
		t.Errorf("destination = %q, want %q", dest, "a:b")
	}
	foo, _ := msg.Headers.Get("foo")
	if foo != "va\\lue\nwith\rescape" {
		t.Errorf("foo = %q", foo)
	}
}

func TestContentLengthBoundsBody(t *testing.T) {
	raw := []byte("SEND\ndestination:d\ncontent-length:5\n\nhel\x00lo\x00")
	msg, _, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if string(msg.Body) != "hel\x00l" {
		t.Errorf("body = %q, want embedded-NUL body bounded by content-length", msg.Body)
	}
}

func TestNewMessageFrameStripsCredentials(t *testing.T) {
	extra := Headers{HdrLogin, "alice", HdrPasscode, "secret", "custom", "kept"}
	msg := NewMessageFrame("room", "sub-1", "msg-1", []byte("hi"), extra)
	if _, ok := msg.Headers.Get(HdrLogin); ok {
		t.Errorf("MESSAGE frame must not carry login header")
	}
	if _, ok := msg.Headers.Get(HdrPasscode); ok {
		t.Errorf("MESSAGE frame must not carry passcode header")
	}
	if v, _ := msg.Headers.Get("custom"); v != "kept" {
		t.Errorf("custom header lost, got %q", v)
	}
}
