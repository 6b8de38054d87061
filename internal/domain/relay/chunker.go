package relay

// Заливка больших файлов по частям. Telegram ограничивает размер одного
// сообщения, поэтому файлы больше порога режутся на куски и уходят отдельными
// документами с подписями "Part i/N". Куски создаются по одному: на диске
// одновременно живёт не больше одного куска, каждый удаляется сразу после
// успешной отправки. Исходный файл удаляется только после последнего куска —
// до этого момента партию можно перезапустить с того же файла.

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"telegram-relaybot/internal/infra/logger"

	"go.uber.org/zap"
)

// copyBufSize — размер буфера копирования при нарезке кусков.
const copyBufSize = 8 << 20

// videoExts — расширения, для которых в подпись добавляется подсказка о
// склейке: видео по частям само по себе не проигрывается.
var videoExts = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".m4v": {},
}

// Uploader отправляет файлы получателю, при необходимости нарезая их на куски.
type Uploader struct {
	client   Client
	partSize int64
}

// NewUploader создаёт Uploader с порогом partSize байт на кусок.
// Неположительный porог отключает нарезку.
func NewUploader(client Client, partSize int64) *Uploader {
	return &Uploader{client: client, partSize: partSize}
}

// NumParts возвращает количество кусков для файла размера size при пороге
// partSize. Файл размером 3.2×partSize даёт 4 куска.
func NumParts(size, partSize int64) int {
	if partSize <= 0 || size <= partSize {
		return 1
	}
	parts := size / partSize
	if size%partSize != 0 {
		parts++
	}
	return int(parts)
}

// Send отправляет файл получателю to и возвращает идентификатор доставленного
// сообщения (для нарезанного файла — последнего куска). Файлы в пределах
// порога уходят одним сообщением, крупные — кусками. Исходный файл удаляется
// после успешной отправки; при ошибке остаётся на диске (вызывающий решает
// судьбу temp-файла).
func (u *Uploader) Send(ctx context.Context, to int64, file OutgoingFile, progress ProgressFunc) (int, error) {
	info, err := os.Stat(file.Path)
	if err != nil {
		return 0, fmt.Errorf("stat upload source: %w", err)
	}

	total := NumParts(info.Size(), u.partSize)
	if total == 1 {
		msgID, err := u.client.Upload(ctx, to, file, progress)
		if err != nil {
			return 0, err
		}
		removeFile(file.Path)
		return msgID, nil
	}
	return u.sendParts(ctx, to, file, info.Size(), total, progress)
}

// sendParts режет файл на total кусков и отправляет их по порядку.
func (u *Uploader) sendParts(ctx context.Context, to int64, file OutgoingFile, size int64, total int, progress ProgressFunc) (int, error) {
	src, err := os.Open(file.Path)
	if err != nil {
		return 0, fmt.Errorf("open upload source: %w", err)
	}
	defer func() { _ = src.Close() }()

	logger.Info("splitting oversized file",
		zap.String("name", file.Name),
		zap.String("size", HumanBytes(size)),
		zap.Int("parts", total))

	buf := make([]byte, copyBufSize)
	var lastID int
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		partPath := fmt.Sprintf("%s.part%03d", file.Path, i)
		if err := writePart(src, partPath, u.partSize, buf); err != nil {
			_ = os.Remove(partPath)
			return 0, fmt.Errorf("write part %d/%d: %w", i, total, err)
		}

		part := OutgoingFile{
			Path:    partPath,
			Name:    fmt.Sprintf("%s.%03d", file.Name, i),
			MIME:    "application/octet-stream",
			Caption: partCaption(file, i, total),
			Kind:    KindDocument,
		}
		msgID, err := u.client.Upload(ctx, to, part, progress)
		if err != nil {
			_ = os.Remove(partPath)
			return 0, fmt.Errorf("upload part %d/%d: %w", i, total, err)
		}
		lastID = msgID
		removeFile(partPath)
	}

	// Все куски доставлены, исходник больше не нужен.
	removeFile(file.Path)
	return lastID, nil
}

// writePart копирует очередные limit байт из src в новый файл path.
func writePart(src io.Reader, path string, limit int64, buf []byte) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create part file: %w", err)
	}
	_, err = io.CopyBuffer(dst, io.LimitReader(src, limit), buf)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return err
}

// partCaption формирует подпись куска; для видео добавляется подсказка о склейке.
func partCaption(file OutgoingFile, i, total int) string {
	caption := fmt.Sprintf("%s\nPart %d/%d", file.Name, i, total)
	if file.Kind == KindVideo || isVideoName(file.Name) {
		caption += "\nDownload all parts and concatenate them to restore the original file."
	}
	return caption
}

// isVideoName проверяет расширение имени файла по списку видеоформатов.
func isVideoName(name string) bool {
	_, ok := videoExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// removeFile удаляет файл, логируя неуспех: висящий temp-файл не причина
// ронять партию, но след в логах оставить надо.
func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove file", zap.String("path", path), zap.Error(err))
	}
}
