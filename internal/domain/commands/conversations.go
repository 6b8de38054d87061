package commands

// Conversations — диалоги «вопрос-ответ» поверх обычных сообщений. Команда,
// которой нужен ответ пользователя (например, /batch спрашивает ссылку и
// диапазон), регистрирует ожидание; следующее не-командное сообщение этого
// пользователя уходит в ожидающий канал, а не в разбор команд. На пользователя
// допускается одно активное ожидание: новое вытесняет старое.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPromptTimeout — пользователь не ответил за отведённое время.
var ErrPromptTimeout = errors.New("commands: prompt timed out")

// Conversations маршрутизирует ответы пользователей в ожидающие диалоги.
type Conversations struct {
	mu      sync.Mutex
	waiting map[int64]chan string
}

// NewConversations создаёт пустой реестр диалогов.
func NewConversations() *Conversations {
	return &Conversations{waiting: make(map[int64]chan string)}
}

// Deliver передаёт сообщение в ожидающий диалог пользователя. Возвращает
// false, если диалога нет — тогда сообщение обрабатывается обычным путём.
func (c *Conversations) Deliver(userID int64, text string) bool {
	c.mu.Lock()
	ch, ok := c.waiting[userID]
	if ok {
		delete(c.waiting, userID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	// Канал буферизован, отправка не блокирует диспетчер.
	ch <- text
	return true
}

// Await регистрирует ожидание ответа пользователя и блокируется до ответа,
// таймаута или срыва контекста.
func (c *Conversations) Await(ctx context.Context, userID int64, timeout time.Duration) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	// Вытесняем возможный прошлый диалог: отвечать в него уже некому.
	c.waiting[userID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiting[userID] == ch {
			delete(c.waiting, userID)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrPromptTimeout
	case text := <-ch:
		return text, nil
	}
}
