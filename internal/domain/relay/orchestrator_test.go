package relay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-relaybot/internal/domain/relay"
)

// fakeFlags записывает отражение признака «в партии».
type fakeFlags struct {
	mu      sync.Mutex
	changes []bool
}

func (f *fakeFlags) SetInBatch(_ context.Context, _ int64, in bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, in)
	return nil
}

func newOrchestrator(t *testing.T, client *fakeClient, auth relay.AuthGate, flags relay.BatchFlagStore) *relay.Orchestrator {
	t.Helper()
	orc := newOrchestratorDir(client, auth, flags, t.TempDir())
	orc.SetSleeper(func(_ context.Context, _ time.Duration) error { return nil })
	return orc
}

func newOrchestratorDir(client *fakeClient, auth relay.AuthGate, flags relay.BatchFlagStore, dir string) *relay.Orchestrator {
	gate := quietGate()
	uploader := relay.NewUploader(client, 1<<20)
	exec := relay.NewExecutor(client, gate, uploader, auth, nil, 0, dir)
	return relay.NewOrchestrator(client, exec, gate, auth, relay.NewRegistry(), flags, 0, dir)
}

func baseLink() relay.Permalink {
	return relay.Permalink{Chat: relay.ChatRef{Username: "src"}, MsgID: 100}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := relay.NewRegistry()
	const user = int64(7)

	if r.IsActive(user) {
		t.Fatal("IsActive() = true for an empty registry")
	}
	if !r.TryStart(user) {
		t.Fatal("TryStart() = false on first start")
	}
	if r.TryStart(user) {
		t.Fatal("TryStart() = true for an already active user")
	}
	if !r.IsActive(user) {
		t.Fatal("IsActive() = false after TryStart")
	}
	if !r.Cancel(user) {
		t.Fatal("Cancel() = false for an active batch")
	}
	if r.Cancel(42) {
		t.Fatal("Cancel() = true for a user without a batch")
	}
}

func TestPaceFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		index int
		want  time.Duration
	}{
		{index: 0, want: 7 * time.Second},
		{index: 249, want: 7 * time.Second},
		{index: 250, want: 8 * time.Second},
		{index: 999, want: 8 * time.Second},
		{index: 1000, want: 9 * time.Second},
		{index: 9999, want: 9 * time.Second},
		{index: 10000, want: 10 * time.Second},
		{index: 49999, want: 10 * time.Second},
		{index: 50000, want: 11 * time.Second},
	}
	for _, tc := range cases {
		if got := relay.PaceFor(tc.index); got != tc.want {
			t.Fatalf("PaceFor(%d) = %s, want %s", tc.index, got, tc.want)
		}
	}
}

func TestRunProcessesRangeInOrder(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	var fetched []int
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		fetched = append(fetched, id)
		return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
	}
	auth := &fakeAuth{}
	flags := &fakeFlags{}
	orc := newOrchestrator(t, client, auth, flags)

	res, err := orc.Run(context.Background(), relay.BatchRequest{
		UserID:    7,
		Base:      baseLink(),
		RangeExpr: "5",
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Cancelled {
		t.Fatal("Run() reported cancellation for a clean batch")
	}

	want := []int{100, 101, 102, 103, 104}
	if len(fetched) != len(want) {
		t.Fatalf("fetched %v, want %v", fetched, want)
	}
	for i := range want {
		if fetched[i] != want[i] {
			t.Fatalf("fetched %v, want strict order %v", fetched, want)
		}
	}

	// Инвариант статистики: каждое сообщение диапазона учтено ровно один раз.
	if got := res.Stats.Total(); got != len(want) {
		t.Fatalf("Stats.Total() = %d, want %d", got, len(want))
	}
	if res.Stats.Texts != len(want) {
		t.Fatalf("Stats.Texts = %d, want %d", res.Stats.Texts, len(want))
	}

	// Признак «в партии» поднят и опущен.
	if len(flags.changes) != 2 || !flags.changes[0] || flags.changes[1] {
		t.Fatalf("in-batch flag changes = %v, want [true false]", flags.changes)
	}
}

func TestRunRejectsSecondBatch(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	auth := &fakeAuth{}
	orc := newOrchestrator(t, client, auth, nil)

	const user = int64(7)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		once.Do(func() { close(started) })
		<-release
		return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: user, Base: baseLink(), RangeExpr: "3"})
		done <- err
	}()
	<-started

	if _, err := orc.Run(context.Background(), relay.BatchRequest{UserID: user, Base: baseLink(), RangeExpr: "3"}); !errors.Is(err, relay.ErrBatchActive) {
		t.Fatalf("second Run() = %v, want ErrBatchActive", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() = %v", err)
	}

	// После завершения партии пользователь снова может стартовать.
	if !orc.Registry().TryStart(user) {
		t.Fatal("registry still holds the user after Run returned")
	}
}

func TestRunCancellationStopsWithinOneIteration(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	auth := &fakeAuth{}
	orc := newOrchestrator(t, client, auth, nil)

	const user = int64(7)
	var fetchedCount int
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		fetchedCount++
		if fetchedCount == 3 {
			orc.Registry().Cancel(user)
		}
		return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
	}

	res, err := orc.Run(context.Background(), relay.BatchRequest{
		UserID:    user,
		Base:      baseLink(),
		RangeExpr: "100",
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !res.Cancelled {
		t.Fatal("Run() must report cancellation")
	}
	// Сообщение, обрабатывавшееся в момент отмены, дорабатывается; следующая
	// итерация уже не начинается.
	if fetchedCount != 3 {
		t.Fatalf("fetched %d messages after cancel, want exactly 3", fetchedCount)
	}
}

func TestRunAuthFailureUpfront(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	auth := &fakeAuth{checkErr: relay.ErrNotAuthorized}
	orc := newOrchestrator(t, client, auth, nil)

	_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "3"})
	if !errors.Is(err, relay.ErrNotAuthorized) {
		t.Fatalf("Run() = %v, want ErrNotAuthorized", err)
	}
	if len(client.sentTexts) != 0 {
		t.Fatalf("announcement sent for an unauthorized user: %v", client.sentTexts)
	}
}

func TestRunLimitExhaustedStopsLoop(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	auth := &fakeAuth{}
	orc := newOrchestrator(t, client, auth, nil)

	var fetchedCount int
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		fetchedCount++
		if fetchedCount == 2 {
			auth.mu.Lock()
			auth.checkErr = relay.ErrLimitExhausted
			auth.mu.Unlock()
		}
		return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
	}

	res, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "10"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if fetchedCount != 2 {
		t.Fatalf("fetched %d messages, want the loop to stop after the limit ran out", fetchedCount)
	}
	if res.Stats.Total() != 2 {
		t.Fatalf("Stats.Total() = %d, want 2", res.Stats.Total())
	}
	if !errors.Is(res.Stopped, relay.ErrLimitExhausted) {
		t.Fatalf("res.Stopped = %v, want ErrLimitExhausted", res.Stopped)
	}

	// Причина остановки названа в финальной правке анонса.
	annID := client.pinned[0]
	edits := client.edits[annID]
	if len(edits) == 0 {
		t.Fatal("announcement was never edited after the stop")
	}
	final := edits[len(edits)-1]
	if !strings.Contains(final, "Batch stopped") || !strings.Contains(final, "limit ran out") {
		t.Fatalf("final edit = %q, want the halt reason named", final)
	}
}

func TestRunFailsWhenDownloadDirUnavailable(t *testing.T) {
	t.Parallel()

	// Путь под обычным файлом: MkdirAll гарантированно откажет.
	blocker := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	client := newFakeClient()
	orc := newOrchestratorDir(client, &fakeAuth{}, nil, filepath.Join(blocker, "downloads"))
	orc.SetSleeper(func(_ context.Context, _ time.Duration) error { return nil })

	_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "3"})
	if err == nil {
		t.Fatal("Run() = nil, want an error when the download dir cannot be created")
	}
	if len(client.sentTexts) != 0 {
		t.Fatalf("announcement sent for a doomed batch: %v", client.sentTexts)
	}
}

func TestRunDefaultPacingHonoursCancellation(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		// Отмена прилетает во время межсообщенческой паузы перед вторым
		// сообщением.
		once.Do(func() { time.AfterFunc(100*time.Millisecond, cancel) })
		return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
	}

	// Штатная функция пауз не подменяется: отмена контекста должна прервать
	// межсообщенческую паузу, а не пересидеть её целиком.
	orc := newOrchestratorDir(client, &fakeAuth{}, nil, t.TempDir())

	started := time.Now()
	res, err := orc.Run(ctx, relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "5"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !res.Cancelled {
		t.Fatal("Run() must report cancellation after the context is gone")
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("Run() took %s, want a prompt return instead of a full pacing pause", elapsed)
	}
}

func TestRunBadRange(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	orc := newOrchestrator(t, client, &fakeAuth{}, nil)

	_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "garbage"})
	if !errors.Is(err, relay.ErrBadRange) {
		t.Fatalf("Run() = %v, want ErrBadRange", err)
	}
}

func TestRunAllExpandsToHistoryTop(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.latestFn = func(_ relay.ChatRef) (int, error) { return 104, nil }
	var fetched []int
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		fetched = append(fetched, id)
		return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
	}
	orc := newOrchestrator(t, client, &fakeAuth{}, nil)

	res, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "all"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(fetched) != 5 {
		t.Fatalf("fetched %v, want ids 100..104", fetched)
	}
	if res.Stats.Total() != 5 {
		t.Fatalf("Stats.Total() = %d, want 5", res.Stats.Total())
	}
}

func TestRunAllEmptyHistory(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.latestFn = func(_ relay.ChatRef) (int, error) { return 50, nil }
	orc := newOrchestrator(t, client, &fakeAuth{}, nil)

	_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "all"})
	if !errors.Is(err, relay.ErrEmptyHistory) {
		t.Fatalf("Run() = %v, want ErrEmptyHistory", err)
	}
}

func TestRunDestinationFallsBackToUser(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	orc := newOrchestrator(t, client, &fakeAuth{}, nil)

	const user = int64(777)
	_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: user, Base: baseLink(), RangeExpr: "1"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	for _, to := range client.sentTo {
		if to != user {
			t.Fatalf("message sent to %d, want everything delivered to the user %d", to, user)
		}
	}
}

func TestRunSkipsEmptyAndCountsFailures(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.messageFn = func(_ relay.ChatRef, id int) (relay.Message, error) {
		switch id {
		case 101:
			return relay.Message{ID: id, Empty: true}, nil
		case 102:
			return relay.Message{}, errors.New("MESSAGE_ID_INVALID")
		default:
			return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "msg"}}, nil
		}
	}
	orc := newOrchestrator(t, client, &fakeAuth{}, nil)

	res, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "4"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Stats.Skipped != 1 || res.Stats.Failed != 1 || res.Stats.Texts != 2 {
		t.Fatalf("stats = %+v, want 1 skipped, 1 failed, 2 texts", res.Stats)
	}
	if res.Stats.Total() != 4 {
		t.Fatalf("Stats.Total() = %d, want every id accounted for", res.Stats.Total())
	}
}

func TestAnnouncementIsPinnedAndFinalized(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	orc := newOrchestrator(t, client, &fakeAuth{}, nil)

	_, err := orc.Run(context.Background(), relay.BatchRequest{UserID: 7, Base: baseLink(), RangeExpr: "2"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(client.pinned) != 1 {
		t.Fatalf("pinned = %v, want the announcement pinned once", client.pinned)
	}
	annID := client.pinned[0]
	edits := client.edits[annID]
	if len(edits) == 0 {
		t.Fatal("announcement was never edited with the final summary")
	}
	if !strings.Contains(edits[len(edits)-1], "Batch finished") {
		t.Fatalf("final edit = %q, want the summary text", edits[len(edits)-1])
	}
	if len(client.unpinned) != 1 || client.unpinned[0] != annID {
		t.Fatalf("unpinned = %v, want the announcement unpinned", client.unpinned)
	}
}
