package users_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"telegram-relaybot/internal/domain/relay"
	"telegram-relaybot/internal/domain/users"
)

func openStore(t *testing.T) *users.Store {
	t.Helper()
	store, err := users.Open(filepath.Join(t.TempDir(), "users.bbolt"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAuthorizeAndGet(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const user = int64(7)

	if _, found, err := store.Get(ctx, user); err != nil || found {
		t.Fatalf("Get() before authorize = found=%v, err=%v; want absent", found, err)
	}

	if err := store.Authorize(ctx, user, 30, 500); err != nil {
		t.Fatalf("Authorize() = %v", err)
	}
	rec, found, err := store.Get(ctx, user)
	if err != nil || !found {
		t.Fatalf("Get() = found=%v, err=%v", found, err)
	}
	if !rec.Authorized(time.Now()) {
		t.Fatalf("record not authorized right after Authorize: %+v", rec)
	}
	if rec.Limit != 500 {
		t.Fatalf("Limit = %d, want 500", rec.Limit)
	}

	// Повторная авторизация продлевает от конца действующей подписки.
	firstExpiry := rec.ExpiresAt
	if err := store.Authorize(ctx, user, 30, 500); err != nil {
		t.Fatalf("second Authorize() = %v", err)
	}
	rec, _, _ = store.Get(ctx, user)
	if !rec.ExpiresAt.After(firstExpiry) {
		t.Fatalf("ExpiresAt = %v, want extension past %v", rec.ExpiresAt, firstExpiry)
	}
}

func TestConsume(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const user = int64(8)

	if err := store.Authorize(ctx, user, 1, 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Consume(ctx, user); err != nil {
			t.Fatalf("Consume() #%d = %v", i+1, err)
		}
	}
	if err := store.Consume(ctx, user); err == nil {
		t.Fatal("Consume() on exhausted limit = nil, want error")
	}
	rec, _, _ := store.Get(ctx, user)
	if rec.Limit != 0 {
		t.Fatalf("Limit = %d, want 0", rec.Limit)
	}

	// Безлимит не списывается.
	const vip = int64(9)
	if err := store.Authorize(ctx, vip, 1, -1); err != nil {
		t.Fatal(err)
	}
	if err := store.Consume(ctx, vip); err != nil {
		t.Fatalf("Consume() for unlimited = %v", err)
	}
	rec, _, _ = store.Get(ctx, vip)
	if rec.Limit != -1 {
		t.Fatalf("unlimited Limit = %d, want -1", rec.Limit)
	}
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const admin, user, other = int64(1), int64(20), int64(21)

	key, err := store.CreateKey(ctx, admin, 7, 100)
	if err != nil {
		t.Fatalf("CreateKey() = %v", err)
	}
	if key == "" {
		t.Fatal("CreateKey() returned empty key")
	}

	rec, err := store.RedeemKey(ctx, user, key)
	if err != nil {
		t.Fatalf("RedeemKey() = %v", err)
	}
	if rec.Limit != 100 || !rec.Authorized(time.Now()) {
		t.Fatalf("redeemed record = %+v, want active subscription with limit 100", rec)
	}

	if _, err := store.RedeemKey(ctx, other, key); !errors.Is(err, users.ErrKeyRedeemed) {
		t.Fatalf("second RedeemKey() = %v, want ErrKeyRedeemed", err)
	}
	if _, err := store.RedeemKey(ctx, user, "no-such-key"); !errors.Is(err, users.ErrKeyNotFound) {
		t.Fatalf("RedeemKey(unknown) = %v, want ErrKeyNotFound", err)
	}
}

func TestBans(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const user = int64(30)

	if banned, err := store.IsBanned(ctx, user); err != nil || banned {
		t.Fatalf("IsBanned() = %v, %v; want false", banned, err)
	}
	if err := store.Ban(ctx, user); err != nil {
		t.Fatalf("Ban() = %v", err)
	}
	if banned, _ := store.IsBanned(ctx, user); !banned {
		t.Fatal("IsBanned() = false after Ban")
	}
	if err := store.Unban(ctx, user); err != nil {
		t.Fatalf("Unban() = %v", err)
	}
	if banned, _ := store.IsBanned(ctx, user); banned {
		t.Fatal("IsBanned() = true after Unban")
	}
}

func TestUserSettingsAndCounters(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const user = int64(40)

	if err := store.SetThumbnail(ctx, user, true, "https://example.com/t.jpg"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetWatermark(ctx, user, "sample"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetChatID(ctx, user, -100123); err != nil {
		t.Fatal(err)
	}
	if err := store.SetInBatch(ctx, user, true); err != nil {
		t.Fatal(err)
	}
	if err := store.AddCloned(ctx, user, 3); err != nil {
		t.Fatal(err)
	}
	if err := store.AddDownloaded(ctx, user, 2); err != nil {
		t.Fatal(err)
	}

	rec, found, err := store.Get(ctx, user)
	if err != nil || !found {
		t.Fatalf("Get() = found=%v, err=%v", found, err)
	}
	if !rec.ThumbEnabled || rec.ThumbURL != "https://example.com/t.jpg" {
		t.Fatalf("thumbnail = %+v, want enabled with url", rec)
	}
	if rec.Watermark != "sample" || rec.ChatID != -100123 || !rec.InBatch {
		t.Fatalf("settings = %+v", rec)
	}
	if rec.Cloned != 3 || rec.Downloaded != 2 {
		t.Fatalf("counters = cloned=%d downloaded=%d, want 3 and 2", rec.Cloned, rec.Downloaded)
	}

	if err := store.SetInBatch(ctx, user, false); err != nil {
		t.Fatal(err)
	}
	rec, _, _ = store.Get(ctx, user)
	if rec.InBatch {
		t.Fatal("InBatch = true after reset")
	}
}

func TestGateCheck(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const (
		admin      = int64(1)
		subscriber = int64(50)
		expired    = int64(51)
		exhausted  = int64(52)
		banned     = int64(53)
		stranger   = int64(54)
	)

	if err := store.Authorize(ctx, subscriber, 30, 10); err != nil {
		t.Fatal(err)
	}
	if err := store.Authorize(ctx, expired, -1, 10); err != nil {
		t.Fatal(err)
	}
	if err := store.Authorize(ctx, exhausted, 30, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Authorize(ctx, banned, 30, 10); err != nil {
		t.Fatal(err)
	}
	if err := store.Ban(ctx, banned); err != nil {
		t.Fatal(err)
	}

	gate := users.NewGate(store, []int64{admin}, false)

	cases := []struct {
		name    string
		user    int64
		wantErr error
	}{
		{name: "admin passes", user: admin, wantErr: nil},
		{name: "active subscriber passes", user: subscriber, wantErr: nil},
		{name: "expired subscription", user: expired, wantErr: relay.ErrNotAuthorized},
		{name: "exhausted limit", user: exhausted, wantErr: relay.ErrLimitExhausted},
		{name: "banned even with subscription", user: banned, wantErr: relay.ErrBanned},
		{name: "unknown user", user: stranger, wantErr: relay.ErrNotAuthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := gate.Check(ctx, tc.user)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Check(%d) = %v, want %v", tc.user, err, tc.wantErr)
			}
		})
	}
}

func TestGateAdminOnly(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const admin, subscriber = int64(1), int64(60)

	if err := store.Authorize(ctx, subscriber, 30, 10); err != nil {
		t.Fatal(err)
	}
	gate := users.NewGate(store, []int64{admin}, true)

	if err := gate.Check(ctx, admin); err != nil {
		t.Fatalf("Check(admin) = %v", err)
	}
	if err := gate.Check(ctx, subscriber); !errors.Is(err, relay.ErrNotAuthorized) {
		t.Fatalf("Check(subscriber) in admin-only mode = %v, want ErrNotAuthorized", err)
	}
}

func TestGateConsumeAndExempt(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	const admin, subscriber, vip = int64(1), int64(70), int64(71)

	if err := store.Authorize(ctx, subscriber, 30, 2); err != nil {
		t.Fatal(err)
	}
	if err := store.Authorize(ctx, vip, 30, -1); err != nil {
		t.Fatal(err)
	}
	gate := users.NewGate(store, []int64{admin}, false)

	if !gate.Exempt(admin) || !gate.Exempt(vip) {
		t.Fatal("Exempt() = false for admin or unlimited user")
	}
	if gate.Exempt(subscriber) {
		t.Fatal("Exempt() = true for a limited subscriber")
	}

	// Списание у администратора не трогает хранилище.
	if err := gate.Consume(ctx, admin); err != nil {
		t.Fatalf("Consume(admin) = %v", err)
	}

	if err := gate.Consume(ctx, subscriber); err != nil {
		t.Fatalf("Consume(subscriber) = %v", err)
	}
	rec, _, _ := store.Get(ctx, subscriber)
	if rec.Limit != 1 {
		t.Fatalf("Limit after consume = %d, want 1", rec.Limit)
	}
}
