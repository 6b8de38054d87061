// Пакет thumbs генерирует превью для перезаливаемых видео. Источник превью
// выбирается по настройкам пользователя: кадр из видео с водяным знаком,
// картинка по сохранённому URL либо просто кадр из середины ролика. Кадры
// извлекаются внешним ffmpeg; его отсутствие отключает превью, но не срывает
// перезаливку.
package thumbs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"telegram-relaybot/internal/domain/users"
	"telegram-relaybot/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	fetchTimeout = 30 * time.Second
	// maxThumbBytes — потолок размера скачиваемой картинки-превью.
	maxThumbBytes = 10 << 20
)

// Generator строит файлы превью во временном каталоге.
type Generator struct {
	store  *users.Store
	dir    string
	ffmpeg string
	http   *http.Client
}

// New создаёт генератор превью. dir — каталог для временных файлов.
func New(store *users.Store, dir string) *Generator {
	return &Generator{
		store:  store,
		dir:    dir,
		ffmpeg: "ffmpeg",
		http:   &http.Client{Timeout: fetchTimeout},
	}
}

// Thumbnail возвращает путь к картинке-превью для видео или пустую строку,
// если превью не настроено. Файл удаляет вызывающая сторона.
func (g *Generator) Thumbnail(ctx context.Context, userID int64, videoPath string, duration int) (string, error) {
	rec, found, err := g.store.Get(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "load user settings")
	}
	if !found || !rec.ThumbEnabled {
		return "", nil
	}

	out := filepath.Join(g.dir, fmt.Sprintf("thumb_%d_%d.jpg", userID, time.Now().UnixNano()))

	switch {
	case rec.Watermark != "":
		err = g.extractFrame(ctx, videoPath, out, duration, rec.Watermark)
	case rec.ThumbURL != "":
		err = g.fetch(ctx, rec.ThumbURL, out)
	default:
		err = g.extractFrame(ctx, videoPath, out, duration, "")
	}
	if err != nil {
		// Превью — украшение: при сбое шлём видео без него.
		logger.Warn("thumbnail generation failed",
			zap.Int64("user_id", userID), zap.Error(err))
		_ = os.Remove(out)
		return "", nil
	}
	return out, nil
}

// extractFrame вырезает кадр из середины ролика; watermark накладывается
// текстом поверх кадра.
func (g *Generator) extractFrame(ctx context.Context, videoPath, out string, duration int, watermark string) error {
	offset := duration / 2
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%d", offset),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
	}
	if watermark != "" {
		args = append(args, "-vf",
			fmt.Sprintf("drawtext=text='%s':x=10:y=H-th-10:fontsize=24:fontcolor=white:shadowcolor=black:shadowx=2:shadowy=2", watermark))
	}
	args = append(args, out)

	cmd := exec.CommandContext(ctx, g.ffmpeg, args...) // #nosec G204 -- аргументы собраны из локальных путей
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "ffmpeg: %s", firstLine(output))
	}
	return nil
}

// fetch скачивает картинку по URL пользователя.
func (g *Generator) fetch(ctx context.Context, url, out string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch thumbnail")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetch thumbnail: status %d", resp.StatusCode)
	}

	file, err := os.Create(out) // #nosec G304 -- путь собран из каталога конфигурации
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	_, copyErr := io.Copy(file, io.LimitReader(resp.Body, maxThumbBytes))
	closeErr := file.Close()
	if copyErr != nil {
		return errors.Wrap(copyErr, "save thumbnail")
	}
	return closeErr
}

func firstLine(output []byte) string {
	for i, b := range output {
		if b == '\n' {
			return string(output[:i])
		}
	}
	return string(output)
}
