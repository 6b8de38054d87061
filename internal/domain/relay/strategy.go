package relay

// Выбор способа переноса сообщения. Решение принимается по двум осям:
// тип контента и защищённость чата-источника (noforwards). Текст и ссылки
// всегда пересоздаются напрямую; незащищённое медиа гоняется через мостовой
// чат, чтобы у получателя не оставалось отметки о пересылке; защищённое медиа
// Telegram пересылать не даёт вовсе, поэтому остаётся скачать и залить заново.
// Без настроенного моста медиа тоже идёт через скачивание и перезаливку.

import (
	"context"

	"telegram-relaybot/internal/infra/logger"

	"go.uber.org/zap"
)

// Strategy — способ переноса одного сообщения.
type Strategy int

const (
	// StrategyDirectCopy — пересоздать сообщение напрямую (текст или копия).
	StrategyDirectCopy Strategy = iota
	// StrategyBridgeForward — переслать в мостовой чат, скопировать оттуда,
	// затем удалить следы в мосту.
	StrategyBridgeForward
	// StrategyDownloadReupload — скачать медиа на диск и залить заново.
	StrategyDownloadReupload
	// StrategySkip — сообщение не переносится (служебное или пустое).
	StrategySkip
)

// String возвращает имя стратегии для логов.
func (s Strategy) String() string {
	switch s {
	case StrategyDirectCopy:
		return "direct-copy"
	case StrategyBridgeForward:
		return "bridge-forward"
	case StrategyDownloadReupload:
		return "download-reupload"
	default:
		return "skip"
	}
}

// Selector выбирает стратегию переноса. Признак защищённости чата
// кэшируется на время партии: источник один, дергать ChatInfo на каждое
// сообщение незачем.
type Selector struct {
	client Client
	// bridgeChat — ID мостового чата; 0 означает, что мост не настроен и
	// BridgeForward недоступен.
	bridgeChat int64

	cached    bool
	protected bool
}

// NewSelector создаёт селектор стратегий поверх клиента.
func NewSelector(client Client, bridgeChat int64) *Selector {
	return &Selector{client: client, bridgeChat: bridgeChat}
}

// Select возвращает стратегию переноса для контента из чата chat.
//
// Признак защищённости источника читается один раз; ошибка чтения трактуется
// как «чат защищён»: лучше лишний раз скачать и перезалить, чем попытаться
// переслать контент, который владелец запретил пересылать.
func (s *Selector) Select(ctx context.Context, chat ChatRef, content Content) Strategy {
	switch content.Kind {
	case KindService:
		return StrategySkip
	case KindText, KindLink:
		return StrategyDirectCopy
	}

	if s.isProtected(ctx, chat) {
		return StrategyDownloadReupload
	}
	if s.bridgeChat != 0 {
		return StrategyBridgeForward
	}
	// Прямое пересоздание допустимо только для текста и ссылок; медиа без
	// моста скачивается и заливается заново.
	return StrategyDownloadReupload
}

// isProtected лениво читает и кэширует признак noforwards источника.
func (s *Selector) isProtected(ctx context.Context, chat ChatRef) bool {
	if s.cached {
		return s.protected
	}
	info, err := s.client.ChatInfo(ctx, chat)
	if err != nil {
		logger.Warn("strategy: chat info unavailable, assuming protected content",
			zap.String("chat", chat.String()), zap.Error(err))
		s.cached = true
		s.protected = true
		return true
	}
	s.cached = true
	s.protected = info.Protected
	return s.protected
}
