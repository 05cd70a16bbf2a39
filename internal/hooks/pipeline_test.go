package hooks

import (
	"context"
	"errors"
	"testing"
)

func TestRunPreservesRegistrationOrder(t *testing.T) {
	pl := NewPipeline()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		err := pl.Register(OnComplete, Hook{Name: name, Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
			order = append(order, name)
			return nil, nil
		}})
		if err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	pl.Run(context.Background(), OnComplete, &Payload{SessionID: "s1"})

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestTransformingPointReplacesPayload(t *testing.T) {
	pl := NewPipeline()
	pl.Register(OnPrompt, Hook{Name: "prefix", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		next := *p
		next.Prompt = "[prefixed] " + p.Prompt
		return &next, nil
	}})
	pl.Register(OnPrompt, Hook{Name: "suffix", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		next := *p
		next.Prompt = p.Prompt + " [suffixed]"
		return &next, nil
	}})

	out := pl.Run(context.Background(), OnPrompt, &Payload{Prompt: "hello"})

	if out.Prompt != "[prefixed] hello [suffixed]" {
		t.Errorf("Prompt = %q, want sequential transforms applied in order", out.Prompt)
	}
}

func TestNilReturnKeepsPayload(t *testing.T) {
	pl := NewPipeline()
	pl.Register(OnPrompt, Hook{Name: "observer", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		return nil, nil
	}})

	out := pl.Run(context.Background(), OnPrompt, &Payload{Prompt: "unchanged"})
	if out.Prompt != "unchanged" {
		t.Errorf("Prompt = %q, want %q", out.Prompt, "unchanged")
	}
}

func TestObserverPointIgnoresReturn(t *testing.T) {
	pl := NewPipeline()
	pl.Register(OnComplete, Hook{Name: "mutator", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		return &Payload{Prompt: "hijacked"}, nil
	}})

	out := pl.Run(context.Background(), OnComplete, &Payload{Prompt: "original"})
	if out.Prompt != "original" {
		t.Errorf("Prompt = %q, observer-only point must not transform", out.Prompt)
	}
}

func TestHookErrorIsIsolatedAndRecorded(t *testing.T) {
	pl := NewPipeline()
	boom := errors.New("hook exploded")
	pl.Register(OnPrompt, Hook{Name: "broken", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		return nil, boom
	}})
	ran := false
	pl.Register(OnPrompt, Hook{Name: "healthy", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		ran = true
		next := *p
		next.Prompt = "transformed"
		return &next, nil
	}})

	out := pl.Run(context.Background(), OnPrompt, &Payload{Prompt: "hello"})

	if !ran {
		t.Error("chain aborted after a failing hook")
	}
	if out.Prompt != "transformed" {
		t.Errorf("Prompt = %q, want %q", out.Prompt, "transformed")
	}
	errs := pl.Errors()
	if len(errs) != 1 {
		t.Fatalf("recorded %d errors, want 1", len(errs))
	}
	if errs[0].Hook != "broken" || errs[0].Point != OnPrompt || !errors.Is(errs[0].Err, boom) {
		t.Errorf("recorded error = %+v", errs[0])
	}
}

func TestHookPanicIsRecovered(t *testing.T) {
	pl := NewPipeline()
	pl.Register(OnResponse, Hook{Name: "panicky", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		panic("unexpected state")
	}})

	out := pl.Run(context.Background(), OnResponse, &Payload{SessionID: "s1"})

	if out == nil || out.SessionID != "s1" {
		t.Fatalf("payload lost after panic: %+v", out)
	}
	errs := pl.Errors()
	if len(errs) != 1 {
		t.Fatalf("recorded %d errors, want 1", len(errs))
	}
	if errs[0].Hook != "panicky" {
		t.Errorf("recorded hook = %s, want panicky", errs[0].Hook)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	pl := NewPipeline()
	if err := pl.Register(Point("onTeleport"), Hook{Name: "x", Fn: func(ctx context.Context, p *Payload) (*Payload, error) { return nil, nil }}); err == nil {
		t.Error("unknown point accepted")
	}
	if err := pl.Register(OnLoad, Hook{Name: "nofn"}); err == nil {
		t.Error("nil hook function accepted")
	}
}

func TestRunWithNilPayload(t *testing.T) {
	pl := NewPipeline()
	out := pl.Run(context.Background(), OnSessionStart, nil)
	if out == nil {
		t.Fatal("Run returned nil payload")
	}
	if out.Point != OnSessionStart {
		t.Errorf("Point = %s, want %s", out.Point, OnSessionStart)
	}
}

func TestErrorsForFiltersBySession(t *testing.T) {
	pl := NewPipeline()
	pl.Register(OnPrompt, Hook{Name: "flaky", Fn: func(ctx context.Context, p *Payload) (*Payload, error) {
		return nil, errors.New("boom")
	}})

	pl.Run(context.Background(), OnPrompt, &Payload{SessionID: "sess-a"})
	pl.Run(context.Background(), OnPrompt, &Payload{SessionID: "sess-b"})

	errsA := pl.ErrorsFor("sess-a")
	if len(errsA) != 1 {
		t.Fatalf("ErrorsFor(sess-a) recorded %d errors, want 1", len(errsA))
	}
	if errsA[0].Session != "sess-a" || errsA[0].Hook != "flaky" {
		t.Errorf("recorded error = %+v", errsA[0])
	}
	if got := pl.ErrorsFor("sess-c"); len(got) != 0 {
		t.Errorf("ErrorsFor(sess-c) = %+v, want none", got)
	}
	if got := pl.Errors(); len(got) != 2 {
		t.Errorf("Errors() = %d entries, want 2", len(got))
	}
}
