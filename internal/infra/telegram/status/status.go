// Package status инкапсулирует поддержание онлайн-статуса аккаунта Telegram.
// Менеджер получает сигналы активности, управляет переходами online/offline и
// централизует вызовы AccountUpdateStatus, чтобы разные части приложения не
// меняли статус наперегонки. Окна ухода в offline выбираются случайно, чтобы
// поведение аккаунта выглядело менее шаблонным.
package status

import (
	"context"
	"errors"
	rand "math/rand/v2"
	"sync"
	"time"

	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/infra/telegram/connection"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

// statusManager реагирует на сигналы активности (пинги) и поддерживает аккаунт
// в online, а при отсутствии активности уводит в offline по таймауту.
type statusManager struct {
	client *telegram.Client
	pingCh chan int      // Буферизованный канал сигналов активности; всплески схлопываются.
	doneCh chan struct{} // Закрывается после завершения run().
}

// Глобальное хранение синглтона менеджера и его cancel-функции.
var (
	manager *statusManager

	statusWg     sync.WaitGroup
	statusMu     sync.Mutex
	statusCancel context.CancelFunc
)

// Start инициализирует и запускает глобальный менеджер статуса.
// Повторные вызовы игнорируются.
func Start(ctx context.Context, client *telegram.Client) {
	statusMu.Lock()
	defer statusMu.Unlock()
	if manager != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	manager = &statusManager{
		client: client,
		pingCh: make(chan int, 1),
		doneCh: make(chan struct{}),
	}
	statusCancel = cancel
	statusWg.Go(func() {
		manager.run(runCtx, ctx)
	})
}

// Stop останавливает менеджер: cancel контекста и ожидание завершения цикла.
// Повторные вызовы безопасны.
func Stop() {
	statusMu.Lock()
	m := manager
	cancel := statusCancel
	manager = nil
	statusCancel = nil
	statusMu.Unlock()

	if m == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	statusWg.Wait()
}

// ping сообщает менеджеру о свежей активности. Канал буферизован на 1 элемент:
// при заполненном буфере сигнал игнорируется без потери актуальности.
func (m *statusManager) ping(waitMs int) {
	select {
	case m.pingCh <- waitMs:
	default:
	}
}

// GoOnline инициирует переход аккаунта в online. Время до авто-ухода в offline
// выбирается случайно из двух диапазонов (короткий/длинный) с вероятностями
// 80/20.
func GoOnline() {
	if manager == nil {
		return
	}

	const (
		shortMin   = 5678
		shortMax   = 12345
		longMin    = 34567
		longMax    = 45678
		shortRatio = 0.8
	)
	minMs, maxMs := shortMin, shortMax
	if rand.Float64() >= shortRatio { // #nosec G404
		minMs, maxMs = longMin, longMax
	}
	manager.ping(randomMs(minMs, maxMs))
}

// Typing показывает собеседнику статус «печатает» и продлевает online.
// Ошибки глотаются: статус — косметика.
func Typing(ctx context.Context, peer tg.InputPeerClass) {
	statusMu.Lock()
	m := manager
	statusMu.Unlock()
	if m == nil {
		return
	}
	GoOnline()
	_, _ = m.client.API().MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	})
}

// randomMs выбирает равномерное целое в миллисекундах из [minMs, maxMs].
func randomMs(minMs, maxMs int) int {
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
	}
	return rand.IntN(maxMs-minMs+1) + minMs // #nosec G404
}

// setOnline переводит статус в online, если последний апдейт был более минуты
// назад, чтобы не шуметь AccountUpdateStatus при частых пингах.
func (m *statusManager) setOnline(ctx context.Context, online *bool, lastOnlineAt *time.Time) {
	if *online && time.Since(*lastOnlineAt) < time.Minute {
		return
	}
	connection.WaitOnline(ctx)
	if _, err := m.client.API().AccountUpdateStatus(ctx, false); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		connection.HandleError(err)
		logger.Errorf("StatusManager: failed to go online: %v", err)
		return
	}
	logger.Debug("StatusManager: AccountUpdateStatus to online")
	*online = true
	*lastOnlineAt = time.Now()
}

// setOffline переводит аккаунт в offline.
func (m *statusManager) setOffline(ctx context.Context, reason string, online *bool) {
	if !*online {
		return
	}
	connection.WaitOnline(ctx)
	if _, err := m.client.API().AccountUpdateStatus(ctx, true); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		connection.HandleError(err)
		logger.Errorf("StatusManager: failed to go offline (%s): %v", reason, err)
		return
	}
	logger.Debugf("StatusManager: AccountUpdateStatus to offline (%s)", reason)
	*online = false
}

// run управляет жизненным циклом статуса: реагирует на pingCh, включает online
// и по таймеру уходит в offline. Перед Reset таймера всегда осушается его
// канал, чтобы не поймать старый тик.
func (m *statusManager) run(runCtx, clientCtx context.Context) {
	online := false
	lastOnlineAt := time.Now()
	timer := time.NewTimer(time.Hour)
	timer.Stop() // изначально таймер не активен

	for {
		select {
		case <-runCtx.Done():
			m.setOffline(clientCtx, "exiting", &online)
			close(m.doneCh)
			return
		case waitMs := <-m.pingCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			m.setOnline(clientCtx, &online, &lastOnlineAt)
			randomTimeout := time.Duration(waitMs) * time.Millisecond
			logger.Debugf("StatusManager: activity detected, next offline in %v", randomTimeout)
			timer.Reset(randomTimeout)
		case <-timer.C:
			m.setOffline(clientCtx, "idle timeout", &online)
		}
	}
}
