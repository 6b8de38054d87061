package mtclient

// Экстрактор серверных пауз для MTProto-транспорта: преобразует ошибки
// FLOOD_WAIT и FLOOD_PREMIUM_WAIT в floodgate.Signal. Джиттер разносит повторы
// разных операций, чтобы не входить в лимит Telegram синхронно.

import (
	rand "math/rand/v2"
	"time"

	"telegram-relaybot/internal/infra/floodgate"

	"github.com/gotd/td/tgerr"
)

// floodWaitJitterMax — верхняя граница случайной добавки к обязательной паузе.
const floodWaitJitterMax = 3 * time.Second

// FloodWaitExtractor распознаёт лимитные ошибки Telegram API и возвращает
// floodgate.Signal с обязательной паузой плюс джиттер.
func FloodWaitExtractor() floodgate.Extractor {
	return func(err error) (floodgate.Signal, bool) {
		if err == nil {
			return floodgate.Signal{}, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return floodgate.Signal{}, false
		}
		return floodgate.Signal{Wait: wait + nextFloodWaitJitter()}, true
	}
}

// nextFloodWaitJitter возвращает случайную добавку из [0, floodWaitJitterMax).
// math/rand/v2 потокобезопасен, отдельный RNG не требуется.
func nextFloodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}
