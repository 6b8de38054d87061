package commands_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-relaybot/internal/domain/commands"
	"telegram-relaybot/internal/domain/relay"
	"telegram-relaybot/internal/domain/users"
	"telegram-relaybot/internal/infra/floodgate"
)

// fakeClient реализует relay.Client для тестов командного слоя. Нужен только
// текстовый трафик: отправленные сообщения копятся в sentTexts.
type fakeClient struct {
	mu        sync.Mutex
	sentTexts []string
	nextID    int

	messageFn func(chat relay.ChatRef, id int) (relay.Message, error)
	latestFn  func(chat relay.ChatRef) (int, error)
	copyFn    func(from relay.ChatRef, msgID int, to int64) (int, error)
	joinErr   error
}

func (f *fakeClient) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTexts...)
}

func (f *fakeClient) allocID() int {
	f.nextID++
	return f.nextID
}

func (f *fakeClient) ChatInfo(ctx context.Context, chat relay.ChatRef) (relay.ChatInfo, error) {
	return relay.ChatInfo{ID: 100, Title: "src"}, nil
}

func (f *fakeClient) JoinInvite(ctx context.Context, link string) error { return f.joinErr }

func (f *fakeClient) Message(ctx context.Context, chat relay.ChatRef, id int) (relay.Message, error) {
	if f.messageFn != nil {
		return f.messageFn(chat, id)
	}
	return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "hi"}}, nil
}

func (f *fakeClient) LatestMessageID(ctx context.Context, chat relay.ChatRef) (int, error) {
	if f.latestFn != nil {
		return f.latestFn(chat)
	}
	return 1, nil
}

func (f *fakeClient) SendText(ctx context.Context, to int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return f.allocID(), nil
}

// EditText копит правки вместе с отправками: тестам важен текст, а не канал
// доставки.
func (f *fakeClient) EditText(ctx context.Context, to int64, msgID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *fakeClient) DeleteMessages(ctx context.Context, chatID int64, ids []int) error { return nil }
func (f *fakeClient) Pin(ctx context.Context, chatID int64, msgID int) error            { return nil }
func (f *fakeClient) Unpin(ctx context.Context, chatID int64, msgID int) error          { return nil }

func (f *fakeClient) CopyMessage(ctx context.Context, from relay.ChatRef, msgID int, to int64) (int, error) {
	if f.copyFn != nil {
		return f.copyFn(from, msgID, to)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocID(), nil
}

func (f *fakeClient) ForwardMessage(ctx context.Context, from relay.ChatRef, msgID int, to int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocID(), nil
}

func (f *fakeClient) Download(ctx context.Context, chat relay.ChatRef, msgID int, dir string, progress relay.ProgressFunc) (relay.DownloadedFile, error) {
	return relay.DownloadedFile{}, nil
}

func (f *fakeClient) Upload(ctx context.Context, to int64, file relay.OutgoingFile, progress relay.ProgressFunc) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocID(), nil
}

type fixture struct {
	router *commands.Router
	client *fakeClient
	store  *users.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := users.Open(filepath.Join(t.TempDir(), "users.bbolt"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	client := &fakeClient{}
	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	gate := floodgate.New(300*time.Second, 5*time.Second, floodgate.WithSleeper(noSleep))
	auth := users.NewGate(store, nil, false)
	uploader := relay.NewUploader(client, 1<<30)
	exec := relay.NewExecutor(client, gate, uploader, auth, nil, 0, t.TempDir())
	orc := relay.NewOrchestrator(client, exec, gate, auth, relay.NewRegistry(), store, 0, t.TempDir())
	orc.SetSleeper(noSleep)

	router := commands.NewRouter(context.Background(), client, orc, store, auth, 2*time.Second)
	return &fixture{router: router, client: client, store: store}
}

// lastText ждёт появления очередного ответа бота; диалоги работают в горутинах.
func (f *fixture) lastText(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if texts := f.client.texts(); len(texts) > 0 {
			return texts[len(texts)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no reply from router")
	return ""
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.router.HandleMessage(context.Background(), 1, "/help")

	reply := f.lastText(t)
	for _, want := range []string{"/batch", "/cancel", "/redeem", "/me"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("help reply %q misses %q", reply, want)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.router.HandleMessage(context.Background(), 1, "/frobnicate")
	if got := f.lastText(t); !strings.Contains(got, "Unknown command") {
		t.Fatalf("reply = %q, want unknown-command notice", got)
	}
}

func TestCancelWithoutBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.router.HandleMessage(context.Background(), 1, "/cancel")
	if got := f.lastText(t); !strings.Contains(got, "No active batch") {
		t.Fatalf("reply = %q", got)
	}
}

func TestBatchRequiresSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.router.HandleMessage(context.Background(), 5, "/batch")
	if got := f.lastText(t); !strings.Contains(got, "/redeem") {
		t.Fatalf("reply = %q, want subscription hint", got)
	}
}

func TestRedeemFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	key, err := f.store.CreateKey(ctx, 1, 7, 50)
	if err != nil {
		t.Fatal(err)
	}

	f.router.HandleMessage(ctx, 10, "/redeem "+key)
	if got := f.lastText(t); !strings.Contains(got, "Subscription active") {
		t.Fatalf("reply = %q", got)
	}

	f.router.HandleMessage(ctx, 11, "/redeem "+key)
	if got := f.lastText(t); !strings.Contains(got, "already used") {
		t.Fatalf("second redeem reply = %q", got)
	}

	f.router.HandleMessage(ctx, 11, "/redeem bogus")
	if got := f.lastText(t); !strings.Contains(got, "Unknown key") {
		t.Fatalf("bogus redeem reply = %q", got)
	}
}

func TestSetChat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	const user = int64(20)

	f.router.HandleMessage(ctx, user, "/setchat -100500")
	if got := f.lastText(t); !strings.Contains(got, "-100500") {
		t.Fatalf("reply = %q", got)
	}
	rec, _, _ := f.store.Get(ctx, user)
	if rec.ChatID != -100500 {
		t.Fatalf("ChatID = %d, want -100500", rec.ChatID)
	}

	f.router.HandleMessage(ctx, user, "/setchat reset")
	rec, _, _ = f.store.Get(ctx, user)
	if rec.ChatID != 0 {
		t.Fatalf("ChatID after reset = %d, want 0", rec.ChatID)
	}
}

func TestBatchDialogRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	const user = int64(30)

	if err := f.store.Authorize(ctx, user, 30, 100); err != nil {
		t.Fatal(err)
	}

	f.router.HandleMessage(ctx, user, "/batch")
	if got := f.lastText(t); !strings.Contains(got, "link") {
		t.Fatalf("first prompt = %q", got)
	}

	f.router.HandleMessage(ctx, user, "https://t.me/somechan/100")
	// Ответ на второй вопрос диалога: три сообщения начиная с сотого.
	waitFor(t, func() bool {
		for _, text := range f.client.texts() {
			if strings.Contains(text, "How many messages") {
				return true
			}
		}
		return false
	})
	f.router.HandleMessage(ctx, user, "3")

	waitFor(t, func() bool {
		for _, text := range f.client.texts() {
			if strings.Contains(text, "Batch finished") {
				return true
			}
		}
		return false
	})

	rec, _, _ := f.store.Get(ctx, user)
	if rec.Cloned != 3 {
		t.Fatalf("Cloned = %d, want 3", rec.Cloned)
	}
	if rec.Limit != 97 {
		t.Fatalf("Limit = %d, want 97", rec.Limit)
	}
}

func TestBatchDialogRejectsBotLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	const user = int64(40)

	if err := f.store.Authorize(ctx, user, 30, 100); err != nil {
		t.Fatal(err)
	}

	f.router.HandleMessage(ctx, user, "/batch")
	f.lastText(t)
	f.router.HandleMessage(ctx, user, "https://t.me/b/somebot/5")

	waitFor(t, func() bool {
		for _, text := range f.client.texts() {
			if strings.Contains(text, "Bot links") {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
