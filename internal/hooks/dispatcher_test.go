package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDispatcherEmit(t *testing.T) {
	d := &Dispatcher{}
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.UserID)
		return errors.New("second handler failed")
	})

	evt := NewEvent(EventIdentityCreated, time.Now(), "anon-1", "anon-1", map[string]any{"allowance": 10})
	if evt.ID == "" {
		t.Fatalf("expected event id")
	}

	err := d.Emit(context.Background(), evt)
	if err == nil || !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sequence) != 2 || sequence[0] != "first:credits.identity.created" || sequence[1] != "second:anon-1" {
		t.Fatalf("unexpected handler sequence %v", sequence)
	}
}

func TestNilDispatcherDropsEvents(t *testing.T) {
	var d *Dispatcher
	if err := d.Emit(context.Background(), Event{Type: EventResetCompleted}); err != nil {
		t.Fatalf("nil dispatcher should not fail: %v", err)
	}
}

func TestNewScriptHandlerRunsCommand(t *testing.T) {
	MarshalEvent = JSONMarshaler

	evt := NewEvent(EventIdentityPruned, time.Now(), "anon-9", "scheduler", map[string]any{"reason": "stale"})
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         evt.ID,
			"HOOK_EXPECT_TYPE":       string(evt.Type),
		},
		Timeout: 5 * time.Second,
	})

	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestHelperProcessScriptHandler(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var payload Event
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		io.WriteString(os.Stderr, "decode error: "+err.Error())
		os.Exit(2)
	}
	if payload.ID != os.Getenv("HOOK_EXPECT_ID") {
		io.WriteString(os.Stderr, "unexpected id")
		os.Exit(3)
	}
	if string(payload.Type) != os.Getenv("HOOK_EXPECT_TYPE") {
		io.WriteString(os.Stderr, "unexpected type")
		os.Exit(4)
	}
	os.Exit(0)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when enabled without script path")
	}

	cfg.ScriptPath = "/tmp/hook.sh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if d := cfg.BuildDispatcher(); len(d.handlers) != 1 {
		t.Fatalf("expected script handler registered")
	}
	if d := (Config{}).BuildDispatcher(); len(d.handlers) != 0 {
		t.Fatalf("expected no handlers when disabled")
	}
}
