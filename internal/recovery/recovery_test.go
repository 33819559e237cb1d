package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "testGoroutine")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "testGoroutine") {
		t.Errorf("expected goroutine name in output, got: %s", output)
	}
}

func TestRecoverWithLog_NoPanicNoOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "calmGoroutine")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no output without a panic, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_InvokesCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var recovered interface{}
	func() {
		defer RecoverWithCallback(logger, "cbGoroutine", func(r interface{}) {
			recovered = r
		})
		panic("boom")
	}()

	if recovered != "boom" {
		t.Errorf("callback received %v, want 'boom'", recovered)
	}
	if !strings.Contains(buf.String(), "cbGoroutine") {
		t.Errorf("expected goroutine name in output, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithCallback(logger, "nilCb", nil)
		panic("still recovered")
	}()

	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected recovery log, got: %s", buf.String())
	}
}
