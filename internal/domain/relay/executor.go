package relay

// Исполнитель переноса одного сообщения. Получает уже выбранную стратегию и
// выполняет её, пересиживая серверные паузы через floodgate. Мостовая
// пересылка при неудаче откатывается на скачивание с перезаливкой; temp-файлы
// подчищаются на всех путях выхода. Списание лимита пользователя происходит
// ровно один раз — после успешной доставки.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"telegram-relaybot/internal/infra/floodgate"
	"telegram-relaybot/internal/infra/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Thumbnailer готовит картинку-превью для видео. Реализация (adapters/thumbs)
// сама выбирает источник: кадр с водяным знаком, сохранённый пользователем URL
// или автоматический кадр из файла. Пустой путь без ошибки — превью нет.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, userID int64, videoPath string, duration int) (string, error)
}

// Transfer — задание на перенос одного сообщения.
type Transfer struct {
	Source   ChatRef
	MsgID    int
	Dest     int64
	UserID   int64
	Strategy Strategy
	Content  Content
	// OnProgress дёргается при передаче файлов; nil допустим.
	OnProgress ProgressFunc
}

// Executor переносит сообщения по заданной стратегии.
type Executor struct {
	client      Client
	gate        *floodgate.Gate
	uploader    *Uploader
	auth        AuthGate
	thumbs      Thumbnailer
	bridgeChat  int64
	downloadDir string
}

// NewExecutor собирает исполнитель. thumbs может быть nil — тогда видео
// уходит без превью.
func NewExecutor(client Client, gate *floodgate.Gate, uploader *Uploader, auth AuthGate,
	thumbs Thumbnailer, bridgeChat int64, downloadDir string) *Executor {
	return &Executor{
		client:      client,
		gate:        gate,
		uploader:    uploader,
		auth:        auth,
		thumbs:      thumbs,
		bridgeChat:  bridgeChat,
		downloadDir: downloadDir,
	}
}

// Relay выполняет задание t. Возвращает nil и для фактически перенесённых, и
// для пропущенных (StrategySkip) сообщений; ошибка означает, что сообщение не
// доставлено.
func (e *Executor) Relay(ctx context.Context, t Transfer) error {
	var (
		newID int
		err   error
	)
	switch t.Strategy {
	case StrategySkip:
		return nil
	case StrategyDirectCopy:
		newID, err = e.directCopy(ctx, t)
	case StrategyBridgeForward:
		newID, err = e.bridgeForward(ctx, t)
		if err != nil && ctx.Err() == nil {
			// Мост не сработал (например, в мосту нет прав) — медиа ещё
			// можно доставить через скачивание.
			logger.Warn("bridge forward failed, falling back to reupload",
				zap.Int("msg_id", t.MsgID), zap.Error(err))
			newID, err = e.downloadReupload(ctx, t)
		}
	case StrategyDownloadReupload:
		newID, err = e.downloadReupload(ctx, t)
	default:
		return fmt.Errorf("unknown strategy %v", t.Strategy)
	}
	if err != nil {
		return err
	}

	if t.Content.Pinned && newID != 0 {
		if pinErr := e.client.Pin(ctx, t.Dest, newID); pinErr != nil {
			logger.Debug("re-pin failed", zap.Int("msg_id", newID), zap.Error(pinErr))
		}
	}

	e.consume(ctx, t.UserID)
	return nil
}

// directCopy пересоздаёт сообщение у получателя: текст отправляется заново,
// медиа копируется без отметки о пересылке.
func (e *Executor) directCopy(ctx context.Context, t Transfer) (int, error) {
	var newID int
	err := e.gate.Run(ctx, func() error {
		var callErr error
		switch t.Content.Kind {
		case KindText, KindLink:
			newID, callErr = e.client.SendText(ctx, t.Dest, t.Content.Text)
		default:
			newID, callErr = e.client.CopyMessage(ctx, t.Source, t.MsgID, t.Dest)
		}
		return callErr
	})
	return newID, err
}

// bridgeForward гонит сообщение через мостовой чат: пересылка в мост,
// копирование оттуда получателю, зачистка следов. Перед пересылкой в мост
// отправляется маркер с уникальным идентификатором — по нему артефакты этой
// передачи можно отличить от параллельных партий в общем мосту.
func (e *Executor) bridgeForward(ctx context.Context, t Transfer) (int, error) {
	marker := "BRIDGE:" + uuid.NewString()
	bridge := ChatRef{InternalID: e.bridgeChat}

	var markerID int
	err := e.gate.Run(ctx, func() error {
		var callErr error
		markerID, callErr = e.client.SendText(ctx, e.bridgeChat, marker)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("bridge marker: %w", err)
	}
	// Следы в мосту убираются на любом исходе.
	artifacts := []int{markerID}
	defer func() {
		if delErr := e.client.DeleteMessages(ctx, e.bridgeChat, artifacts); delErr != nil {
			logger.Warn("bridge cleanup failed",
				zap.String("marker", marker), zap.Error(delErr))
		}
	}()

	var fwdID int
	err = e.gate.Run(ctx, func() error {
		var callErr error
		fwdID, callErr = e.client.ForwardMessage(ctx, t.Source, t.MsgID, e.bridgeChat)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("forward to bridge: %w", err)
	}
	artifacts = append(artifacts, fwdID)

	var newID int
	err = e.gate.Run(ctx, func() error {
		var callErr error
		newID, callErr = e.client.CopyMessage(ctx, bridge, fwdID, t.Dest)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("copy from bridge: %w", err)
	}
	return newID, nil
}

// downloadReupload скачивает медиа на диск и заливает заново. Temp-файл
// удаляется на всех путях: при успехе его убирает Uploader.Send, при ошибке —
// defer здесь (повторное удаление безвредно).
func (e *Executor) downloadReupload(ctx context.Context, t Transfer) (int, error) {
	var dl DownloadedFile
	err := e.gate.Run(ctx, func() error {
		var callErr error
		dl, callErr = e.client.Download(ctx, t.Source, t.MsgID, e.downloadDir, t.OnProgress)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer removeFile(dl.Path)

	out := OutgoingFile{
		Path:     dl.Path,
		Name:     outgoingName(t.Content, dl.Path),
		MIME:     t.Content.MIME,
		Caption:  t.Content.Text,
		Kind:     t.Content.Kind,
		Duration: t.Content.Duration,
		Width:    t.Content.Width,
		Height:   t.Content.Height,
	}

	if t.Content.Kind == KindVideo && e.thumbs != nil {
		thumb, thumbErr := e.thumbs.Thumbnail(ctx, t.UserID, dl.Path, t.Content.Duration)
		if thumbErr != nil {
			logger.Debug("thumbnail unavailable", zap.Int("msg_id", t.MsgID), zap.Error(thumbErr))
		} else if thumb != "" {
			out.ThumbPath = thumb
			defer removeFile(thumb)
		}
	}

	var newID int
	err = e.gate.Run(ctx, func() error {
		var sendErr error
		newID, sendErr = e.uploader.Send(ctx, t.Dest, out, t.OnProgress)
		return sendErr
	})
	if err != nil {
		return 0, fmt.Errorf("reupload: %w", err)
	}
	return newID, nil
}

// consume списывает одну единицу лимита, если пользователь не освобождён.
func (e *Executor) consume(ctx context.Context, userID int64) {
	if e.auth == nil || e.auth.Exempt(userID) {
		return
	}
	if err := e.auth.Consume(ctx, userID); err != nil {
		logger.Warn("limit consume failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// outgoingName выбирает имя исходящего файла: имя из контента либо имя
// скачанного файла.
func outgoingName(c Content, path string) string {
	if c.FileName != "" {
		return c.FileName
	}
	return filepath.Base(path)
}

// ensureDownloadDir создаёт каталог загрузок, если его ещё нет.
func ensureDownloadDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create download dir %s: %w", dir, err)
	}
	return nil
}
