// Package debug — вспомогательные утилиты для отладки бота.
// Здесь сосредоточены печать входящих событий в консоль и тонкая обёртка над
// структурированным логированием, активные только при включённом DEBUG.
// Пакет не влияет на бизнес-логику и может быть выключен в проде.

package debug

import (
	"fmt"
	"unicode/utf8"

	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/infra/pr"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// DEBUG — глобальный переключатель режима отладки. Когда false, все функции
// пакета молчат.
var DEBUG = true

// PrintUpdate печатает компактное представление входящего сообщения в консоль.
// Текст режется до безопасной длины по рунам, чтобы не ломать UTF-8.
func PrintUpdate(prefix string, msg *tg.Message) {
	if !DEBUG {
		return
	}

	const textMaxLen = 50
	text := msg.Message
	if utf8.RuneCountInString(text) > textMaxLen {
		runes := []rune(text)
		text = string(runes[:textMaxLen]) + "..."
	}

	var from string
	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		from = fmt.Sprintf("user %d", peer.UserID)
	case *tg.PeerChat:
		from = fmt.Sprintf("chat %d", peer.ChatID)
	case *tg.PeerChannel:
		from = fmt.Sprintf("channel %d", peer.ChannelID)
	default:
		from = fmt.Sprintf("%+v", peer)
	}

	pr.Printf("[%s] %s: %s\n", prefix, from, text)
}

// Dump печатает развёрнутое представление структуры в лог уровня Debug.
// Используется для стартового снимка конфигурации.
func Dump(label string, v any) {
	if DEBUG {
		logger.Debugf("%s: %s", label, pr.Pf(v))
	}
}

// Debug пишет запись уровня Debug в общий лог только при активном DEBUG.
func Debug(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Debug(msg, fields...)
	}
}

// Info пишет информационную запись при активном DEBUG.
func Info(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Info(msg, fields...)
	}
}

// Warn пишет предупреждение в лог, если DEBUG=true.
func Warn(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Warn(msg, fields...)
	}
}

// Error пишет ошибку в лог при активном DEBUG.
func Error(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Error(msg, fields...)
	}
}
