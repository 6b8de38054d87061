package users

// Gate — реализация шлюза авторизации поверх Store. Политика:
// бан перекрывает всё; администраторы и режим ADMIN_ONLY решаются по
// конфигурации; остальным нужна действующая подписка с ненулевым остатком
// лимита. Ошибки отдаются типами пакета relay, чтобы командный слой и
// оркестратор различали причины отказа без разбора текста.

import (
	"context"

	"telegram-relaybot/internal/domain/relay"
)

// Gate реализует relay.AuthGate.
type Gate struct {
	store     *Store
	admins    map[int64]struct{}
	adminOnly bool
}

// Компиляторная проверка соответствия интерфейсу.
var _ relay.AuthGate = (*Gate)(nil)

// NewGate создаёт шлюз. admins — пользователи вне лимитов; adminOnly запрещает
// сервис всем остальным.
func NewGate(store *Store, admins []int64, adminOnly bool) *Gate {
	set := make(map[int64]struct{}, len(admins))
	for _, uid := range admins {
		set[uid] = struct{}{}
	}
	return &Gate{store: store, admins: set, adminOnly: adminOnly}
}

// Check возвращает nil, если пользователю можно обрабатывать сообщения.
func (g *Gate) Check(ctx context.Context, userID int64) error {
	banned, err := g.store.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	if banned {
		return relay.ErrBanned
	}
	if g.isAdmin(userID) {
		return nil
	}
	if g.adminOnly {
		return relay.ErrNotAuthorized
	}

	rec, found, err := g.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !found || !rec.Authorized(g.store.now()) {
		return relay.ErrNotAuthorized
	}
	if rec.Limit == 0 {
		return relay.ErrLimitExhausted
	}
	return nil
}

// Consume списывает одну единицу лимита. Для освобождённых пользователей — no-op.
func (g *Gate) Consume(ctx context.Context, userID int64) error {
	if g.Exempt(userID) {
		return nil
	}
	return g.store.Consume(ctx, userID)
}

// Exempt — администраторы и пользователи с безлимитной подпиской.
func (g *Gate) Exempt(userID int64) bool {
	if g.isAdmin(userID) {
		return true
	}
	rec, found, err := g.store.Get(context.Background(), userID)
	if err != nil || !found {
		return false
	}
	return rec.Limit < 0
}

func (g *Gate) isAdmin(userID int64) bool {
	_, ok := g.admins[userID]
	return ok
}
