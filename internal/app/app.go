// Package app — верхний уровень сборки и инициализации бота. Здесь связываются
// конфигурация, сетевой слой (gotd/telegram), диспетчер апдейтов, хранилище
// пользователей и конвейер пересылки. Отсюда стартует цикл обработки событий
// и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telegram-relaybot/internal/adapters/telegram/mtclient"
	"telegram-relaybot/internal/adapters/thumbs"
	"telegram-relaybot/internal/domain/commands"
	"telegram-relaybot/internal/domain/relay"
	domainupdates "telegram-relaybot/internal/domain/updates"
	"telegram-relaybot/internal/domain/users"
	"telegram-relaybot/internal/infra/concurrency"
	"telegram-relaybot/internal/infra/config"
	"telegram-relaybot/internal/infra/floodgate"
	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/infra/storage"
	"telegram-relaybot/internal/infra/telegram/connection"
	"telegram-relaybot/internal/infra/telegram/peersmgr"
	"telegram-relaybot/internal/infra/telegram/session"
	"telegram-relaybot/internal/support/version"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// dedupWindowSec — окно подавления повторных апдейтов одного сообщения.
const dedupWindowSec = 600

// lazyUpdateHandler — обёртка, которая позволяет отложить установку реального
// обработчика апдейтов, разрывая цикл инициализации.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости бота и управляет их связью: телеграм-клиент,
// хранилище пользователей, конвейер пересылки, маршрутизация апдейтов и
// Runner, оркеструющий жизненный цикл.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	store    *users.Store              // Хранилище подписок, ключей и настроек.
	router   *commands.Router          // Командный слой.
	dupCache *concurrency.Deduplicator // Фильтр повторов апдейтов.
	handlers *domainupdates.Handlers   // Доменные обработчики апдейтов.
	runner   *Runner                   // Оркестратор жизненного цикла.
	updMgr   *tgupdates.Manager        // Менеджер апдейтов gotd.
	peers    *peersmgr.Service         // Менеджер пиров + persist storage.
	waiter   *floodwait.Waiter         // Middleware для обработки FLOOD_WAIT.
}

// NewApp создаёт каркас приложения. Фактическая инициализация — в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает приложение и стартует Runner. Блокируется до остановки.
func (a *App) Run() error {
	logger.Info("Relay bot initializing...")
	cfg := config.Env()

	// Опциональное авто-завершение по таймеру (удобно для тестовых прогонов).
	if err := concurrency.StartTimeoutTimer(a.mainCtx, cfg.RunTimeoutSec, a.mainCancel); err != nil {
		return fmt.Errorf("start timeout timer: %w", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	a.waiter = floodwait.NewWaiter()

	// Опции MTProto-клиента: сессия, хуки апдейтов, троттлинг и паспорт
	// устройства.
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			a.waiter,
			ratelimit.New(
				rate.Limit(cfg.ThrottleRPS),
				cfg.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}

	client := telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	peersSvc, peersMgrErr := peersmgr.New(client.API(), cfg.PeersCacheFile)
	if peersMgrErr != nil {
		return fmt.Errorf("init peers manager: %w", peersMgrErr)
	}
	if err := peersSvc.LoadFromStorage(a.mainCtx); err != nil {
		return fmt.Errorf("load peers storage: %w", err)
	}
	a.peers = peersSvc

	// Хранилище состояния апдейтов.
	if err := storage.EnsureDir(cfg.StateFile); err != nil {
		return fmt.Errorf("ensure state file dir: %w", err)
	}
	stateStorageBoltdb, err := bbolt.Open(cfg.StateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	stateStorage := boltstor.NewStateStorage(stateStorageBoltdb)

	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      stateStorage,
		AccessHasher: peersSvc.Mgr,
	})
	lazyHandler.set(contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(a.updMgr), peersSvc.Store()))

	// Хранилище пользователей: подписки, ключи, баны, настройки.
	a.store, err = users.Open(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open users db: %w", err)
	}

	// Конвейер пересылки: клиент-адаптер, шлюз серверных пауз, стратегии,
	// загрузчик и оркестратор партий.
	mtClient, err := mtclient.New(client.API(), peersSvc)
	if err != nil {
		return fmt.Errorf("init mtproto adapter: %w", err)
	}
	gate := floodgate.New(
		time.Duration(cfg.FloodCeilingSec)*time.Second,
		time.Duration(cfg.FloodMarginSec)*time.Second,
		floodgate.WithExtractors(mtclient.FloodWaitExtractor()),
	)
	authGate := users.NewGate(a.store, cfg.AdminUIDs, cfg.AdminOnly)
	thumbGen := thumbs.New(a.store, cfg.DownloadDir)
	uploader := relay.NewUploader(mtClient, int64(cfg.PartSizeMB)<<20)
	exec := relay.NewExecutor(mtClient, gate, uploader, authGate, thumbGen, cfg.RelayChatID, cfg.DownloadDir)
	orc := relay.NewOrchestrator(mtClient, exec, gate, authGate,
		relay.NewRegistry(), a.store, cfg.RelayChatID, cfg.DownloadDir)

	a.router = commands.NewRouter(a.mainCtx, mtClient, orc, a.store, authGate,
		time.Duration(cfg.PromptTimeoutSec)*time.Second)

	// Защита от дублей апдейтов.
	a.dupCache = concurrency.NewDeduplicator(dedupWindowSec)

	a.handlers = domainupdates.NewHandlers(a.router, a.dupCache, a.mainCancel)
	dispatcher.OnNewMessage(a.handlers.OnNewMessage)
	dispatcher.OnNewChannelMessage(a.handlers.OnNewChannelMessage)

	a.runner = NewRunner(
		a.mainCtx,
		a.mainCancel,
		client,
		a.router,
		a.store,
		a.dupCache,
		a.peers,
	)

	return a.runner.Run(a.waiter, a.updMgr)
}
