package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"telegram-relaybot/internal/app"
	"telegram-relaybot/internal/infra/config"
	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/infra/pr"
	"telegram-relaybot/internal/support/debug"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
	}

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Часовая зона приложения (IANA или UTC-смещение) действует глобально.
	time.Local = config.AppLocation //nolint:reassign // намеренно задаём часовую зону процесса

	// logger.Init задаёт уровень, SetWriters перенаправляет вывод в подсистему pr,
	// чтобы записи логов не рвали строку ввода readline.
	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	logger.InitFile(logger.FileConfig{
		Path:       config.Env().LogFile,
		Level:      config.Env().LogFileLevel,
		MaxSizeMB:  config.Env().LogFileMaxSize,
		MaxBackups: config.Env().LogFileMaxBackups,
		MaxAgeDays: config.Env().LogFileMaxAge,
		Compress:   config.Env().LogFileCompress,
	})
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}
	debug.Dump("effective config", config.Env())

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop)

	// Основной цикл; блокируется до shutdown. Ошибки фатальны.
	if runErr := a.Run(); runErr != nil && ctx.Err() == nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
