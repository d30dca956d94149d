package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogErrorIncludesFieldsAndMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LogError(logger, errString("boom"), "broadcast failed", map[string]any{"destination": "direct/a"})

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte(`"error":"boom"`)) {
		t.Fatalf("expected error field in output, got %s", out)
	}
	if !bytes.Contains([]byte(out), []byte(`"destination":"direct/a"`)) {
		t.Fatalf("expected destination field in output, got %s", out)
	}
	if !bytes.Contains([]byte(out), []byte(`broadcast failed`)) {
		t.Fatalf("expected message in output, got %s", out)
	}
}

func TestRecoverPanicDoesNotPropagate(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", nil)
		panic("boom")
	}()

	if !bytes.Contains(buf.Bytes(), []byte("panic recovered")) {
		t.Fatalf("expected a recovered-panic log line, got %s", buf.String())
	}
}

type errString string

func (e errString) Error() string { return string(e) }
