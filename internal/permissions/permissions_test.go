package permissions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockChecker struct {
	status    map[Kind]Status
	grant     bool
	requested []Kind
}

func (m *mockChecker) Status(k Kind) Status {
	return m.status[k]
}

func (m *mockChecker) Request(ctx context.Context, k Kind) (bool, error) {
	m.requested = append(m.requested, k)
	return m.grant, nil
}

func TestEnsureAuthorized(t *testing.T) {
	c := Fixed{}
	if err := Ensure(context.Background(), c, Microphone, SystemAudio); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureDenied(t *testing.T) {
	for _, s := range []Status{Denied, Restricted} {
		t.Run(s.String(), func(t *testing.T) {
			c := Fixed{SystemAudio: s}
			err := Ensure(context.Background(), c, Microphone, SystemAudio)
			if !errors.Is(err, ErrDenied) {
				t.Fatalf("expected ErrDenied, got %v", err)
			}
		})
	}
}

func TestEnsureRequestsUndetermined(t *testing.T) {
	m := &mockChecker{status: map[Kind]Status{Microphone: NotDetermined, SystemAudio: Authorized}, grant: true}
	if err := Ensure(context.Background(), m, Microphone, SystemAudio); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.requested) != 1 || m.requested[0] != Microphone {
		t.Errorf("expected a microphone request, got %v", m.requested)
	}

	m = &mockChecker{status: map[Kind]Status{Microphone: NotDetermined}, grant: false}
	if err := Ensure(context.Background(), m, Microphone); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied after refusal, got %v", err)
	}
}

func TestPollWaitsForDecision(t *testing.T) {
	var calls atomic.Int32
	status := func() Status {
		if calls.Add(1) < 3 {
			return NotDetermined
		}
		return Authorized
	}

	granted, err := poll(context.Background(), time.Millisecond, status)
	if err != nil || !granted {
		t.Fatalf("expected grant, got %v %v", granted, err)
	}

	granted, err = poll(context.Background(), time.Millisecond, func() Status { return Denied })
	if err != nil || granted {
		t.Fatalf("expected refusal, got %v %v", granted, err)
	}
}

func TestPollHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := poll(ctx, time.Millisecond, func() Status { return NotDetermined })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
