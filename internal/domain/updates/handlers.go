// Package updates связывает транспортный слой (tg.* updates) с командным:
// отбирает входящие личные сообщения, отбрасывает повторы и передаёт текст
// маршрутизатору команд. Групповые и канальные апдейты бот игнорирует —
// диалог с ним ведётся только в личке.
package updates

import (
	"context"

	"telegram-relaybot/internal/domain/commands"
	"telegram-relaybot/internal/infra/concurrency"
	"telegram-relaybot/internal/infra/config"
	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/support/debug"

	"github.com/gotd/td/tg"
)

// Handlers реализует реакции на апдейты Telegram.
type Handlers struct {
	router *commands.Router
	// dupCache подавляет повторную доставку одного апдейта (переподключения,
	// дубли от Telegram).
	dupCache *concurrency.Deduplicator
	// shutdown инициирует остановку приложения по команде администратора.
	shutdown context.CancelFunc
}

// NewHandlers подготавливает обработчики без запуска фоновых горутин.
func NewHandlers(router *commands.Router, dup *concurrency.Deduplicator, shutdown context.CancelFunc) *Handlers {
	return &Handlers{
		router:   router,
		dupCache: dup,
		shutdown: shutdown,
	}
}

// OnNewMessage обрабатывает входящее личное сообщение. Пайплайн:
//  1. отбрасывает исходящие и не-личные сообщения;
//  2. дедупликация по (peerID, msgID, editDate);
//  3. служебная команда Exit от администратора гасит процесс;
//  4. остальное уходит в маршрутизатор команд.
func (h *Handlers) OnNewMessage(
	ctx context.Context,
	entities tg.Entities,
	u *tg.UpdateNewMessage,
) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		return nil
	}
	userID := peer.UserID

	if h.dupCache.DedupSeen(userID, msg.ID, msg.EditDate) {
		return nil
	}

	if msg.Message == "Exit" && config.IsAdmin(userID) {
		logger.Info("Shutdown requested via incoming message")
		if h.shutdown != nil {
			h.shutdown()
		}
		return nil
	}

	debug.PrintUpdate("DM", msg)
	h.router.HandleMessage(ctx, userID, msg.Message)
	return nil
}

// OnNewChannelMessage игнорирует канальные сообщения: бот не реагирует на
// контент, который сам же доставляет в каналы.
func (h *Handlers) OnNewChannelMessage(
	_ context.Context,
	_ tg.Entities,
	_ *tg.UpdateNewChannelMessage,
) error {
	return nil
}
