package relay

// Оркестратор партии: от разобранной ссылки и выражения диапазона до финальной
// сводки. На пользователя допускается одна активная партия; учёт ведёт
// Registry с явными TryStart/Cancel/IsActive. Отмена кооперативная: флаг
// проверяется на границе каждой итерации, текущее сообщение дорабатывается.
// Темп обработки ступенчатый: пауза между сообщениями растёт с размером партии,
// чтобы длинные партии не упирались в серверные лимиты.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"telegram-relaybot/internal/infra/floodgate"
	"telegram-relaybot/internal/infra/logger"

	"go.uber.org/zap"
)

// messageCooldown — базовая пауза между сообщениями партии.
const messageCooldown = 5 * time.Second

// progressEvery — период правки закреплённого анонса, в сообщениях.
const progressEvery = 10

// fetchPageSize — шаг раскрытия "all": каждые fetchPageSize идентификаторов
// правится статус и делается передышка.
const fetchPageSize = 1000

// fetchBreather — передышка между шагами раскрытия "all".
const fetchBreather = 2 * time.Second

// handle — состояние одной активной партии в реестре.
type handle struct {
	cancelled atomic.Bool
}

// Registry учитывает активные партии по пользователям. Замена глобальных
// множеств «кто сейчас в работе»: вся синхронизация собрана в одном месте,
// снаружи остаются три явных операции.
type Registry struct {
	mu     sync.Mutex
	active map[int64]*handle
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{active: make(map[int64]*handle)}
}

// TryStart регистрирует партию пользователя. Возвращает false, если партия
// уже идёт: двух одновременных партий у одного пользователя не бывает.
func (r *Registry) TryStart(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[userID]; busy {
		return false
	}
	r.active[userID] = &handle{}
	return true
}

// Cancel помечает партию пользователя к остановке. Возвращает false, если
// активной партии нет. Остановка кооперативная: оркестратор увидит флаг на
// границе итерации.
func (r *Registry) Cancel(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[userID]
	if !ok {
		return false
	}
	h.cancelled.Store(true)
	return true
}

// IsActive сообщает, идёт ли у пользователя партия.
func (r *Registry) IsActive(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[userID]
	return ok
}

// finish снимает партию с учёта.
func (r *Registry) finish(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, userID)
}

// get возвращает handle активной партии.
func (r *Registry) get(userID int64) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[userID]
}

// BatchFlagStore отражает признак «в партии» в хранилище пользователей.
type BatchFlagStore interface {
	SetInBatch(ctx context.Context, userID int64, in bool) error
}

// BatchRequest — задание на партию.
type BatchRequest struct {
	UserID int64
	// Dest — чат доставки; 0 означает «слать самому пользователю».
	Dest      int64
	Base      Permalink
	RangeExpr string
}

// BatchResult — итог партии.
type BatchResult struct {
	Stats     Stats
	Cancelled bool
	// Stopped — причина досрочной остановки цикла (исчерпание лимита,
	// истёкшая подписка); nil, если партия дошла до конца или отменена.
	Stopped error
	Elapsed time.Duration
}

// Orchestrator управляет жизненным циклом партий.
type Orchestrator struct {
	client      Client
	exec        *Executor
	gate        *floodgate.Gate
	auth        AuthGate
	registry    *Registry
	flags       BatchFlagStore
	bridgeChat  int64
	downloadDir string

	// sleep подменяется в тестах, чтобы не пересиживать паузы реально.
	sleep func(ctx context.Context, d time.Duration) error
	// now подменяется в тестах.
	now func() time.Time
}

// NewOrchestrator собирает оркестратор. flags может быть nil.
func NewOrchestrator(client Client, exec *Executor, gate *floodgate.Gate, auth AuthGate,
	registry *Registry, flags BatchFlagStore, bridgeChat int64, downloadDir string) *Orchestrator {
	return &Orchestrator{
		client:      client,
		exec:        exec,
		gate:        gate,
		auth:        auth,
		registry:    registry,
		flags:       flags,
		bridgeChat:  bridgeChat,
		downloadDir: downloadDir,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Registry возвращает реестр активных партий (для командного слоя).
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// SetSleeper подменяет функцию пауз. Используется в тестах.
func (o *Orchestrator) SetSleeper(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		o.sleep = fn
	}
}

// PaceFor возвращает паузу перед обработкой сообщения с индексом index
// (от нуля): базовый интервал плюс ступень, растущая с размером партии.
func PaceFor(index int) time.Duration {
	var step time.Duration
	switch {
	case index < 250:
		step = 2 * time.Second
	case index < 1000:
		step = 3 * time.Second
	case index < 10000:
		step = 4 * time.Second
	case index < 50000:
		step = 5 * time.Second
	default:
		step = 6 * time.Second
	}
	return messageCooldown + step
}

// Run выполняет партию целиком: регистрация, раскрытие диапазона, анонс,
// пересылка сообщений по порядку, финальная сводка. Блокируется до завершения;
// вызывающий запускает её в отдельной горутине.
func (o *Orchestrator) Run(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if !o.registry.TryStart(req.UserID) {
		return BatchResult{}, ErrBatchActive
	}
	defer o.registry.finish(req.UserID)
	o.setInBatch(ctx, req.UserID, true)
	defer o.setInBatch(context.WithoutCancel(ctx), req.UserID, false)

	if err := o.auth.Check(ctx, req.UserID); err != nil {
		return BatchResult{}, err
	}
	if err := ensureDownloadDir(o.downloadDir); err != nil {
		return BatchResult{}, err
	}

	dest := req.Dest
	if dest == 0 {
		dest = req.UserID
	}

	started := o.now()
	ids, err := o.resolveIDs(ctx, req, dest)
	if err != nil {
		return BatchResult{}, err
	}

	logger.Info("batch started",
		zap.Int64("user_id", req.UserID),
		zap.String("source", req.Base.Chat.String()),
		zap.Int("messages", len(ids)))

	// Закрепляемый анонс; партия не срывается, если закреп не удался.
	annID, err := o.client.SendText(ctx, dest, AnnouncementText(len(ids), req.Base.Chat.String()))
	if err != nil {
		return BatchResult{}, fmt.Errorf("send announcement: %w", err)
	}
	if pinErr := o.client.Pin(ctx, dest, annID); pinErr != nil {
		logger.Debug("pin announcement failed", zap.Error(pinErr))
	}

	result := o.process(ctx, req, dest, annID, ids)
	result.Elapsed = o.now().Sub(started)

	final := SummaryText(&result.Stats, result.Elapsed)
	switch {
	case result.Cancelled:
		final = CancelledText(result.Stats.Total(), len(ids)) + "\n" + final
	case result.Stopped != nil:
		final = StoppedText(result.Stopped, result.Stats.Total(), len(ids)) + "\n" + final
	}
	if editErr := o.client.EditText(ctx, dest, annID, final); editErr != nil {
		logger.Warn("final summary edit failed", zap.Error(editErr))
	}
	if unpinErr := o.client.Unpin(ctx, dest, annID); unpinErr != nil {
		logger.Debug("unpin failed", zap.Error(unpinErr))
	}

	logger.Info("batch finished",
		zap.Int64("user_id", req.UserID),
		zap.Int("processed", result.Stats.Total()),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// process гоняет основной цикл партии и возвращает статистику.
func (o *Orchestrator) process(ctx context.Context, req BatchRequest, dest int64, annID int, ids []int) BatchResult {
	var result BatchResult
	h := o.registry.get(req.UserID)
	selector := NewSelector(o.client, o.bridgeChat)

	for i, id := range ids {
		// Границы итерации: отмена, срыв контекста, лимиты.
		if h != nil && h.cancelled.Load() {
			result.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		if err := o.auth.Check(ctx, req.UserID); err != nil {
			logger.Info("batch stopped by auth gate",
				zap.Int64("user_id", req.UserID), zap.Error(err))
			result.Stopped = err
			break
		}

		if i > 0 {
			if err := o.sleep(ctx, PaceFor(i)); err != nil {
				result.Cancelled = true
				break
			}
		}

		if aborted := o.processOne(ctx, req, dest, selector, id, &result.Stats); aborted {
			break
		}

		if (i+1)%progressEvery == 0 {
			text := ProgressText(result.Stats.Total(), len(ids), &result.Stats)
			if err := o.client.EditText(ctx, dest, annID, text); err != nil {
				logger.Debug("progress edit failed", zap.Error(err))
			}
		}
	}
	return result
}

// processOne переносит одно сообщение. Возвращает true, если партию надо
// прервать (длинная серверная пауза или срыв контекста); локальные ошибки
// учитываются в Failed и не останавливают партию.
func (o *Orchestrator) processOne(ctx context.Context, req BatchRequest, dest int64,
	selector *Selector, id int, stats *Stats) bool {
	var msg Message
	err := o.gate.Run(ctx, func() error {
		var callErr error
		msg, callErr = o.client.Message(ctx, req.Base.Chat, id)
		return callErr
	})
	if err != nil {
		return o.recordFailure(ctx, stats, id, err, "fetch")
	}
	if msg.Empty {
		stats.Skipped++
		return false
	}

	strategy := selector.Select(ctx, req.Base.Chat, msg.Content)
	err = o.exec.Relay(ctx, Transfer{
		Source:   req.Base.Chat,
		MsgID:    id,
		Dest:     dest,
		UserID:   req.UserID,
		Strategy: strategy,
		Content:  msg.Content,
	})
	if err != nil {
		return o.recordFailure(ctx, stats, id, err, "relay")
	}

	stats.Count(msg.Content)
	if strategy == StrategyDownloadReupload {
		stats.Reuploaded++
	}
	return false
}

// recordFailure классифицирует ошибку обработки сообщения: срыв контекста и
// отказ из-за слишком длинной серверной паузы прерывают партию, остальное
// попадает в Failed.
func (o *Orchestrator) recordFailure(ctx context.Context, stats *Stats, id int, err error, stage string) bool {
	var abandoned *floodgate.AbandonedError
	switch {
	case ctx.Err() != nil:
		return true
	case errors.As(err, &abandoned):
		logger.Warn("batch aborted by long server wait",
			zap.Int("msg_id", id), zap.Duration("wait", abandoned.Wait))
		return true
	default:
		stats.Failed++
		logger.Warn("message failed",
			zap.Int("msg_id", id), zap.String("stage", stage), zap.Error(err))
		return false
	}
}

// resolveIDs раскрывает выражение диапазона в список идентификаторов. Форма
// "all" раскрывается от якоря до последнего сообщения источника порциями, с
// правкой статуса и передышкой между порциями.
func (o *Orchestrator) resolveIDs(ctx context.Context, req BatchRequest, dest int64) ([]int, error) {
	ids, all, err := ResolveRange(req.RangeExpr, req.Base)
	if err != nil {
		return nil, err
	}
	if !all {
		return ids, nil
	}

	var latest int
	err = o.gate.Run(ctx, func() error {
		var callErr error
		latest, callErr = o.client.LatestMessageID(ctx, req.Base.Chat)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("resolve history top: %w", err)
	}
	if latest <= 0 || latest < req.Base.MsgID {
		return nil, ErrEmptyHistory
	}

	span := latest - req.Base.MsgID + 1
	if span > MaxBatch {
		// Потолок партии действует и на "all": берём первые MaxBatch от якоря.
		logger.Warn("history span truncated to batch limit",
			zap.Int("span", span), zap.Int("limit", MaxBatch))
		span = MaxBatch
	}

	statusID, err := o.client.SendText(ctx, dest, fmt.Sprintf("Collecting history: 0 / %d", span))
	if err != nil {
		return nil, fmt.Errorf("send collect status: %w", err)
	}

	ids = make([]int, 0, span)
	for len(ids) < span {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		page := fetchPageSize
		if rest := span - len(ids); rest < page {
			page = rest
		}
		start := req.Base.MsgID + len(ids)
		for id := start; id < start+page; id++ {
			ids = append(ids, id)
		}
		if len(ids) < span {
			text := fmt.Sprintf("Collecting history: %d / %d", len(ids), span)
			if editErr := o.client.EditText(ctx, dest, statusID, editGuard(text)); editErr != nil {
				logger.Debug("collect status edit failed", zap.Error(editErr))
			}
			if sleepErr := o.sleep(ctx, fetchBreather); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	if delErr := o.client.DeleteMessages(ctx, dest, []int{statusID}); delErr != nil {
		logger.Debug("collect status cleanup failed", zap.Error(delErr))
	}
	return ids, nil
}

// setInBatch отражает признак активной партии в хранилище пользователей.
func (o *Orchestrator) setInBatch(ctx context.Context, userID int64, in bool) {
	if o.flags == nil {
		return
	}
	if err := o.flags.SetInBatch(ctx, userID, in); err != nil {
		logger.Warn("in-batch flag update failed",
			zap.Int64("user_id", userID), zap.Bool("in", in), zap.Error(err))
	}
}

// editGuard не даёт отправить пустой текст правкой.
func editGuard(text string) string {
	if text == "" {
		return "…"
	}
	return text
}

// sleepCtx спит d, прерываясь по отмене контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer stopTimer(timer)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stopTimer останавливает таймер и вычитывает канал, если тот уже сработал.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
