package floodgate_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"telegram-relaybot/internal/infra/floodgate"
)

// waitErr имитирует серверную ошибку с указанием паузы в секундах.
type waitErr struct{ sec int }

func (e *waitErr) Error() string { return "FLOOD_WAIT_" + strconv.Itoa(e.sec) }

// extractWait распознаёт waitErr и возвращает Signal.
func extractWait(err error) (floodgate.Signal, bool) {
	var w *waitErr
	if errors.As(err, &w) {
		return floodgate.Signal{Wait: time.Duration(w.sec) * time.Second}, true
	}
	return floodgate.Signal{}, false
}

// fakeSleeper записывает запрошенные паузы, не засыпая реально.
type fakeSleeper struct {
	slept []time.Duration
}

func (s *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

func TestAwait(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		ceiling   time.Duration
		margin    time.Duration
		wait      time.Duration
		wantSleep time.Duration
		abandoned bool
	}{
		{
			name:      "short wait gets margin added",
			ceiling:   300 * time.Second,
			margin:    5 * time.Second,
			wait:      250 * time.Second,
			wantSleep: 255 * time.Second,
		},
		{
			name:      "wait above ceiling is abandoned",
			ceiling:   300 * time.Second,
			margin:    5 * time.Second,
			wait:      400 * time.Second,
			abandoned: true,
		},
		{
			name:      "wait equal to ceiling is still served",
			ceiling:   300 * time.Second,
			margin:    5 * time.Second,
			wait:      300 * time.Second,
			wantSleep: 305 * time.Second,
		},
		{
			name:      "margin below minimum is raised to five seconds",
			ceiling:   300 * time.Second,
			margin:    time.Second,
			wait:      10 * time.Second,
			wantSleep: 15 * time.Second,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sleeper := &fakeSleeper{}
			gate := floodgate.New(tc.ceiling, tc.margin, floodgate.WithSleeper(sleeper.sleep))

			err := gate.Await(context.Background(), floodgate.Signal{Wait: tc.wait})

			if tc.abandoned {
				var abandoned *floodgate.AbandonedError
				if !errors.As(err, &abandoned) {
					t.Fatalf("Await() = %v, want *AbandonedError", err)
				}
				if abandoned.Wait != tc.wait {
					t.Fatalf("AbandonedError.Wait = %s, want %s", abandoned.Wait, tc.wait)
				}
				if len(sleeper.slept) != 0 {
					t.Fatalf("Await() slept %v, want no sleep for abandoned wait", sleeper.slept)
				}
				return
			}

			if err != nil {
				t.Fatalf("Await() = %v, want nil", err)
			}
			if len(sleeper.slept) != 1 || sleeper.slept[0] != tc.wantSleep {
				t.Fatalf("Await() slept %v, want exactly [%s]", sleeper.slept, tc.wantSleep)
			}
			if sleeper.slept[0] < tc.wait+5*time.Second {
				t.Fatalf("Await() slept %s, want at least wait+5s = %s", sleeper.slept[0], tc.wait+5*time.Second)
			}
		})
	}
}

func TestAwaitContextCancelled(t *testing.T) {
	t.Parallel()

	gate := floodgate.New(300*time.Second, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gate.Await(ctx, floodgate.Signal{Wait: 10 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Await() = %v, want context.Canceled", err)
	}
}

func TestRunRetriesExactlyOnce(t *testing.T) {
	t.Parallel()

	sleeper := &fakeSleeper{}
	gate := floodgate.New(300*time.Second, 5*time.Second,
		floodgate.WithExtractors(extractWait),
		floodgate.WithSleeper(sleeper.sleep))

	calls := 0
	err := gate.Run(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &waitErr{sec: 7}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("Run() called fn %d times, want 2", calls)
	}
	if len(sleeper.slept) != 1 || sleeper.slept[0] != 12*time.Second {
		t.Fatalf("Run() slept %v, want [12s]", sleeper.slept)
	}
}

func TestRunDoesNotRetryTwice(t *testing.T) {
	t.Parallel()

	sleeper := &fakeSleeper{}
	gate := floodgate.New(300*time.Second, 5*time.Second,
		floodgate.WithExtractors(extractWait),
		floodgate.WithSleeper(sleeper.sleep))

	calls := 0
	err := gate.Run(context.Background(), func() error {
		calls++
		return &waitErr{sec: 3}
	})

	var w *waitErr
	if !errors.As(err, &w) {
		t.Fatalf("Run() = %v, want second *waitErr returned as-is", err)
	}
	if calls != 2 {
		t.Fatalf("Run() called fn %d times, want 2 (one retry only)", calls)
	}
	if len(sleeper.slept) != 1 {
		t.Fatalf("Run() slept %v, want a single pause", sleeper.slept)
	}
}

func TestRunPassesThroughUnrecognizedErrors(t *testing.T) {
	t.Parallel()

	sleeper := &fakeSleeper{}
	gate := floodgate.New(300*time.Second, 5*time.Second,
		floodgate.WithExtractors(extractWait),
		floodgate.WithSleeper(sleeper.sleep))

	boom := errors.New("boom")
	calls := 0
	err := gate.Run(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("Run() called fn %d times, want 1", calls)
	}
	if len(sleeper.slept) != 0 {
		t.Fatalf("Run() slept %v, want no sleep", sleeper.slept)
	}
}

func TestRunAbandonsLongWait(t *testing.T) {
	t.Parallel()

	sleeper := &fakeSleeper{}
	gate := floodgate.New(300*time.Second, 5*time.Second,
		floodgate.WithExtractors(extractWait),
		floodgate.WithSleeper(sleeper.sleep))

	err := gate.Run(context.Background(), func() error {
		return &waitErr{sec: 400}
	})

	var abandoned *floodgate.AbandonedError
	if !errors.As(err, &abandoned) {
		t.Fatalf("Run() = %v, want *AbandonedError", err)
	}
	if len(sleeper.slept) != 0 {
		t.Fatalf("Run() slept %v, want no sleep", sleeper.slept)
	}
}

func TestExtractChainOrder(t *testing.T) {
	t.Parallel()

	first := func(err error) (floodgate.Signal, bool) {
		if strings.Contains(err.Error(), "FLOOD") {
			return floodgate.Signal{Wait: time.Second}, true
		}
		return floodgate.Signal{}, false
	}
	second := func(_ error) (floodgate.Signal, bool) {
		return floodgate.Signal{Wait: time.Minute}, true
	}
	gate := floodgate.New(0, 0, floodgate.WithExtractors(first, second))

	sig, ok := gate.Extract(&waitErr{sec: 9})
	if !ok || sig.Wait != time.Second {
		t.Fatalf("Extract() = %v, %v; want first extractor to win with 1s", sig, ok)
	}

	sig, ok = gate.Extract(errors.New("other"))
	if !ok || sig.Wait != time.Minute {
		t.Fatalf("Extract() = %v, %v; want fallthrough to second extractor", sig, ok)
	}
}
