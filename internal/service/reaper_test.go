package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

type stubLease struct {
	granted bool
	err     error
	calls   int
}

func (l *stubLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	l.calls++
	return l.granted, l.err
}

func TestReaper_Sweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name  string
		lease *stubLease
		want  int
	}{
		{"no lease sweeps", nil, 1},
		{"lease granted", &stubLease{granted: true}, 1},
		{"lease held elsewhere", &stubLease{granted: false}, 0},
		{"lease backend down sweeps anyway", &stubLease{err: errors.New("redis down")}, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.mustHold(t, "A", "001")
			h.clock.Advance(testTTL)

			var lease Lease
			if tc.lease != nil {
				lease = tc.lease
			}
			r := NewReaper(h.res, time.Minute, lease, nil)
			if got := r.Sweep(ctx); got != tc.want {
				t.Fatalf("expected %d released, got %d", tc.want, got)
			}
			want := model.TicketAvailable
			if tc.want == 0 {
				want = model.TicketHeld
			}
			if st := h.states(t, "001")["001"]; st != want {
				t.Fatalf("expected %s, got %s", want, st)
			}
		})
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	r := NewReaper(h.res, 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reaper did not stop")
	}
}
