package engine

import (
	"testing"
	"time"
)

func TestStateStringCoversAllValues(t *testing.T) {
	for s := StateIdle; s <= StateFailed; s++ {
		if got := s.String(); got == "unknown" {
			t.Errorf("State(%d).String() = %q, want a named state", int(s), got)
		}
	}
}

func TestLogLevelStringCoversAllValues(t *testing.T) {
	for l := LogInfo; l <= LogSuccess; l++ {
		if got := l.String(); got == "UNKNOWN" {
			t.Errorf("LogLevel(%d).String() = %q, want a named level", int(l), got)
		}
	}
}

func TestScaleTimeoutDefaultsToOne(t *testing.T) {
	o := Options{}
	if got := o.ScaleTimeout(time.Second); got != time.Second {
		t.Errorf("ScaleTimeout with zero multiplier = %s, want 1s", got)
	}
}

func TestScaleTimeoutMultiplier(t *testing.T) {
	o := Options{ReadTimeoutMultiplier: 2.5}
	got := o.ScaleTimeout(time.Second)
	want := 2500 * time.Millisecond
	if got != want {
		t.Errorf("ScaleTimeout = %s, want %s", got, want)
	}
}

func TestOperationContextNilCallbacksAreNoops(t *testing.T) {
	ctx := &OperationContext{Cancel: make(chan struct{})}
	// Must not panic with every callback left nil.
	ctx.Log(LogInfo, "hello %d", 1)
	ctx.SetState(StateWorking)
	ctx.SetProgress(1, 2)
}

func TestOperationContextCancelled(t *testing.T) {
	cancel := make(chan struct{})
	ctx := &OperationContext{Cancel: cancel}
	if ctx.Cancelled() {
		t.Fatalf("expected not cancelled before close")
	}
	close(cancel)
	if !ctx.Cancelled() {
		t.Fatalf("expected cancelled after close")
	}
}

func TestCallbacksInvoked(t *testing.T) {
	var gotLevel LogLevel
	var gotMsg string
	var gotState State
	var gotDone, gotTotal int

	ctx := &OperationContext{
		Cancel: make(chan struct{}),
		Callbacks: Callbacks{
			Log:      func(level LogLevel, msg string) { gotLevel, gotMsg = level, msg },
			State:    func(s State) { gotState = s },
			Progress: func(done, total int) { gotDone, gotTotal = done, total },
		},
	}
	ctx.Log(LogError, "boom %d", 7)
	ctx.SetState(StateFailed)
	ctx.SetProgress(3, 10)

	if gotLevel != LogError || gotMsg != "boom 7" {
		t.Errorf("Log callback got (%v, %q)", gotLevel, gotMsg)
	}
	if gotState != StateFailed {
		t.Errorf("State callback got %v", gotState)
	}
	if gotDone != 3 || gotTotal != 10 {
		t.Errorf("Progress callback got (%d, %d)", gotDone, gotTotal)
	}
}
