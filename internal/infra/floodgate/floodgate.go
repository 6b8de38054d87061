package floodgate

// Package floodgate — централизованная обработка серверных пауз (FLOOD_WAIT и
// аналогичных «подождите N секунд»). Сервер сообщает паузу в ошибке; цепочка
// настраиваемых Extractor переводит ошибку в типизированный Signal, а Gate
// решает: пересидеть паузу с запасом или отказаться от запроса, если пауза
// превышает потолок. Gate не хранит изменяемого состояния и безопасен для
// параллельного использования из многих горутин.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Пороговые значения по умолчанию. Потолок отсекает абсурдно длинные паузы
// (их дешевле отдать вызывающему как отказ), запас компенсирует расхождение
// часов с сервером.
const (
	DefaultCeiling = 300 * time.Second
	MinMargin      = 5 * time.Second
)

// Signal — типизированное серверное указание подождать. Wait — «чистая» пауза
// из ошибки, без запаса.
type Signal struct {
	Wait time.Duration
}

// Extractor анализирует ошибку и, при необходимости, возвращает Signal.
// Возвращаемый булев флаг показывает, что экстрактор распознал формат ошибки.
// Экстракторы вызываются последовательно в порядке регистрации, первый
// совпавший определяет паузу.
type Extractor func(err error) (Signal, bool)

// AbandonedError возвращается из Await, когда серверная пауза превышает потолок:
// запрос не пересиживается, а отдаётся вызывающему как отказ.
type AbandonedError struct {
	Wait    time.Duration
	Ceiling time.Duration
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("floodgate: server wait %s exceeds ceiling %s; request abandoned", e.Wait, e.Ceiling)
}

// Option задаёт дополнительные параметры Gate при создании.
type Option func(*Gate)

// WithExtractors регистрирует цепочку экстракторов серверных пауз.
func WithExtractors(extractors ...Extractor) Option {
	return func(g *Gate) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]Extractor, len(extractors))
		copy(cloned, extractors)
		g.extractors = append(g.extractors, cloned...)
	}
}

// WithSleeper подменяет функцию ожидания. Используется в тестах, чтобы не
// спать реальное время.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// Gate инкапсулирует политику обработки серверных пауз: потолок, запас и
// цепочку экстракторов. Все поля фиксируются в New и далее не меняются,
// поэтому Gate свободно используется из параллельных горутин.
type Gate struct {
	ceiling    time.Duration
	margin     time.Duration
	extractors []Extractor
	sleep      func(ctx context.Context, d time.Duration) error
}

// New создаёт Gate с потолком ceiling и запасом margin. Неположительный
// ceiling заменяется DefaultCeiling; margin меньше MinMargin поднимается до
// MinMargin — запас ниже пяти секунд на практике приводит к повторному
// FLOOD_WAIT сразу после паузы.
func New(ceiling, margin time.Duration, opts ...Option) *Gate {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if margin < MinMargin {
		margin = MinMargin
	}

	g := &Gate{
		ceiling: ceiling,
		margin:  margin,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ceiling возвращает настроенный потолок ожидания.
func (g *Gate) Ceiling() time.Duration { return g.ceiling }

// Extract прогоняет ошибку через цепочку экстракторов и возвращает первый
// распознанный Signal.
func (g *Gate) Extract(err error) (Signal, bool) {
	if err == nil {
		return Signal{}, false
	}
	for _, extractor := range g.extractors {
		if extractor == nil {
			continue
		}
		if sig, ok := extractor(err); ok {
			return sig, true
		}
	}
	return Signal{}, false
}

// Await пересиживает серверную паузу sig.Wait с запасом margin либо сразу
// возвращает *AbandonedError, если пауза превышает потолок. Ожидание
// прерывается отменой контекста (возвращается ctx.Err()).
func (g *Gate) Await(ctx context.Context, sig Signal) error {
	if sig.Wait > g.ceiling {
		return &AbandonedError{Wait: sig.Wait, Ceiling: g.ceiling}
	}
	wait := sig.Wait + g.margin
	return g.sleep(ctx, wait)
}

// Run выполняет fn и, если ошибка оказалась серверной паузой, пересиживает её
// и повторяет вызов ровно один раз. Любая другая ошибка (включая повторную
// паузу и срыв контекста) возвращается вызывающему: ограниченность ретрая
// гарантирует, что цепочка вызовов не растёт без контроля.
func (g *Gate) Run(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	sig, ok := g.Extract(err)
	if !ok {
		return err
	}
	if waitErr := g.Await(ctx, sig); waitErr != nil {
		return waitErr
	}
	return fn()
}

// sleepCtx ждёт duration или отмену контекста.
func sleepCtx(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stopTimer безопасно останавливает таймер и дренирует его канал, если тик уже произошёл.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
