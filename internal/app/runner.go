// Файл runner.go — оркестрация жизненного цикла: авторизация, линейный запуск
// сервисов в правильном порядке, старт менеджера апдейтов и корректный
// graceful shutdown. MTProto-движок живёт на отдельном контексте, чтобы
// сервисы (статусы, активные диалоги) успели завершиться до гашения сети.
package app

import (
	"context"
	"sync"

	"telegram-relaybot/internal/adapters/telegram/core"
	"telegram-relaybot/internal/domain/commands"
	"telegram-relaybot/internal/domain/users"
	"telegram-relaybot/internal/infra/concurrency"
	"telegram-relaybot/internal/infra/config"
	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/infra/pr"
	"telegram-relaybot/internal/infra/telegram/connection"
	"telegram-relaybot/internal/infra/telegram/peersmgr"
	"telegram-relaybot/internal/infra/telegram/status"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Runner инкапсулирует сценарий запуска и остановки клиента и связанных подсистем.
// Отвечает за:
//   - авторизацию и идентификацию текущего аккаунта (self),
//   - линейный запуск сервисов в правильном порядке,
//   - корректное завершение: сначала сервисы, затем MTProto-движок.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Инициирует общий shutdown.

	client *telegram.Client          // Обёртка над MTProto-клиентом: логин, Self(), API.
	router *commands.Router          // Командный слой; Wait() дожидается активных диалогов.
	store  *users.Store              // Хранилище пользователей; закрывается последним.
	dedup  *concurrency.Deduplicator // Защита от повторной обработки апдейтов.
	peers  *peersmgr.Service         // Сервис пиров (peers.Manager + persist storage).

	updatesWG     sync.WaitGroup     // Горутина updates-менеджера.
	updatesCancel context.CancelFunc // Отмена контекста updates-менеджера.
}

// NewRunner подготавливает Runner с переданными зависимостями.
// Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	client *telegram.Client,
	router *commands.Router,
	store *users.Store,
	dedup *concurrency.Deduplicator,
	peers *peersmgr.Service,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		client:     client,
		router:     router,
		store:      store,
		dedup:      dedup,
		peers:      peers,
	}
}

// Run — главный цикл бота. Выполняет логин, прогрев пиров, запуск сервисов и
// updates.Manager, затем блокируется до завершения клиентского контекста.
func (r *Runner) Run(waiter *floodwait.Waiter, updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Отслеживание сигнала завершения запускаем сразу, чтобы Ctrl+C работал
	// уже во время инициализации.
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Relay bot running...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			if err := r.initPeers(ctx); err != nil {
				return err
			}

			r.startAllServices(ctx, updmgr, self.ID)

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

// loginSelf выполняет интерактивную авторизацию при необходимости и
// возвращает профиль текущего аккаунта.
func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		core.TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

// initPeers прогревает менеджер пиров: Init, загрузка персистентного кэша и
// выборка диалогов при пустой базе. Без кэша пиров бот не сможет резолвить
// access hash источников, поэтому ошибки здесь фатальны.
func (r *Runner) initPeers(ctx context.Context) error {
	if err := r.peers.Mgr.Init(ctx); err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	if err := r.peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("failed to load peers from storage: %v", err)
	}
	if err := r.peers.WarmupIfEmpty(ctx, r.client.API()); err != nil {
		return errors.Wrap(err, "warm up peers manager")
	}
	logger.Debug("Peers warmup complete")
	return nil
}

func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) {
	// connection_manager
	logger.Debug("starting service connection_manager")
	connection.Init(ctx, r.client)
	logger.Debug("service connection_manager started")

	// status_manager
	logger.Debug("starting service status_manager")
	status.Start(ctx, r.client)
	logger.Debug("service status_manager started")

	// deduplicator
	logger.Debug("starting service deduplicator")
	r.dedup.Start(ctx)
	logger.Debug("service deduplicator started")

	// updates_manager: отдельный контекст, чтобы остановить его независимо
	// и раньше остальных сервисов.
	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		logger.Debug("updates_manager service: Run started")
		mgrErr := updmgr.Run(updatesCtx, r.client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: r.handleUpdatesManagerStart,
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updmgr.Run return: %v", mgrErr)
			r.mainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке.

	// updates_manager
	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel()
	}
	r.updatesWG.Wait()
	logger.Debug("service updates_manager stopped")

	// Активные диалоги /batch: даём партиям зафиксировать сводку.
	logger.Debug("waiting for active command dialogs")
	r.router.Wait()
	logger.Debug("command dialogs finished")

	// status_manager
	logger.Debug("stopping service status_manager")
	status.Stop()
	logger.Debug("service status_manager stopped")

	// deduplicator
	logger.Debug("stopping service deduplicator")
	r.dedup.Stop()
	logger.Debug("service deduplicator stopped")

	// connection_manager
	logger.Debug("stopping service connection_manager")
	connection.Shutdown()
	logger.Debug("service connection_manager stopped")

	// peers_manager
	logger.Debug("stopping service peers_manager")
	if err := r.peers.Close(); err != nil {
		logger.Errorf("failed to stop peers_manager: %v", err)
	}
	logger.Debug("service peers_manager stopped")

	// users store
	logger.Debug("closing users store")
	if err := r.store.Close(); err != nil {
		logger.Errorf("failed to close users store: %v", err)
	}
	logger.Debug("users store closed")

	// Разблокируем readline, если он ждёт ввода.
	pr.InterruptReadline()
}

// handleUpdatesManagerStart вызывается updates.Manager при готовности подписки
// на обновления: аккаунт показывается online, чтобы команды обрабатывались
// «живым» собеседником.
func (r *Runner) handleUpdatesManagerStart(_ context.Context) {
	status.GoOnline()
	logger.Debug("Updates manager started")
}
