package mtclient

// Перенос медиа: копирование сообщений без отметки о пересылке, скачивание на
// диск и отправка локальных файлов. Копирование переиспользует file reference
// оригинала и не качает контент; скачивание и отправка ходят через
// downloader/uploader gotd с потоковым прогрессом.

import (
	"context"
	"io"
	rand "math/rand/v2"
	"os"
	"path/filepath"

	"telegram-relaybot/internal/domain/relay"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

const mimeBinary = "application/octet-stream"

// CopyMessage пересоздаёт сообщение у получателя: текст отправляется заново,
// медиа — по file reference оригинала. Контент, который нельзя переиздать
// (опросы, геопозиции), пересылается обычным форвардом.
func (c *Client) CopyMessage(ctx context.Context, from relay.ChatRef, msgID int, to int64) (int, error) {
	raw, err := c.fetchRaw(ctx, from, msgID)
	if err != nil {
		return 0, err
	}
	msg, ok := raw.(*tg.Message)
	if !ok {
		return 0, errors.New("mtclient: source message is gone")
	}

	toPeer, err := c.destPeer(ctx, to)
	if err != nil {
		return 0, err
	}

	if msg.Media == nil {
		return c.SendText(ctx, to, msg.Message)
	}

	media, ok := reusableMedia(msg.Media)
	if !ok {
		return c.ForwardMessage(ctx, from, msgID, to)
	}

	upd, err := c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     toPeer,
		Media:    media,
		Message:  msg.Message,
		RandomID: randomID(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "send media")
	}
	return sentMessageID(upd), nil
}

// reusableMedia строит input-медиа по file reference оригинала.
func reusableMedia(media tg.MessageMediaClass) (tg.InputMediaClass, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, false
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
		}, true
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, false
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, true
	default:
		return nil, false
	}
}

// Download скачивает медиа сообщения в каталог dir и возвращает путь к файлу.
func (c *Client) Download(ctx context.Context, chat relay.ChatRef, msgID int, dir string, progress relay.ProgressFunc) (relay.DownloadedFile, error) {
	raw, err := c.fetchRaw(ctx, chat, msgID)
	if err != nil {
		return relay.DownloadedFile{}, err
	}
	msg, ok := raw.(*tg.Message)
	if !ok || msg.Media == nil {
		return relay.DownloadedFile{}, errors.New("mtclient: message has no media")
	}

	location, total, err := mediaLocation(msg.Media)
	if err != nil {
		return relay.DownloadedFile{}, err
	}

	path := filepath.Join(dir, downloadName(classify(msg), msg.ID))
	out, err := os.Create(path) // #nosec G304 -- путь собран из каталога конфигурации
	if err != nil {
		return relay.DownloadedFile{}, errors.Wrap(err, "create file")
	}

	writer := &countingWriter{w: out, total: total, progress: progress}
	_, err = downloader.NewDownloader().Download(c.api, location).Stream(ctx, writer)
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(path)
		return relay.DownloadedFile{}, errors.Wrap(err, "download")
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return relay.DownloadedFile{}, errors.Wrap(closeErr, "close file")
	}
	return relay.DownloadedFile{Path: path, Size: writer.done}, nil
}

// mediaLocation возвращает локацию для скачивания и ожидаемый размер.
func mediaLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, int64, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, 0, errors.New("mtclient: photo is inaccessible")
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestPhotoThumb(photo),
		}, largestPhotoSize(photo), nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, 0, errors.New("mtclient: document is inaccessible")
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, doc.Size, nil
	default:
		return nil, 0, errors.Errorf("mtclient: media %T is not downloadable", media)
	}
}

// Upload отправляет локальный файл получателю.
func (c *Client) Upload(ctx context.Context, to int64, file relay.OutgoingFile, progress relay.ProgressFunc) (int, error) {
	peer, err := c.destPeer(ctx, to)
	if err != nil {
		return 0, err
	}

	up := uploader.NewUploader(c.api)
	if progress != nil {
		up = up.WithProgress(uploadProgress{fn: progress})
	}

	input, err := up.FromPath(ctx, file.Path)
	if err != nil {
		return 0, errors.Wrap(err, "upload file")
	}

	media, err := outgoingMedia(ctx, up, input, file)
	if err != nil {
		return 0, err
	}

	upd, err := c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  file.Caption,
		RandomID: randomID(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "send media")
	}
	return sentMessageID(upd), nil
}

// outgoingMedia собирает input-медиа для загруженного файла с учётом типа.
func outgoingMedia(ctx context.Context, up *uploader.Uploader, input tg.InputFileClass, file relay.OutgoingFile) (tg.InputMediaClass, error) {
	if file.Kind == relay.KindPhoto {
		return &tg.InputMediaUploadedPhoto{File: input}, nil
	}

	mime := file.MIME
	if mime == "" {
		mime = mimeBinary
	}
	doc := &tg.InputMediaUploadedDocument{
		File:     input,
		MimeType: mime,
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeFilename{FileName: file.Name},
		},
	}

	switch file.Kind {
	case relay.KindVideo:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeVideo{
			SupportsStreaming: true,
			Duration:          float64(file.Duration),
			W:                 file.Width,
			H:                 file.Height,
		})
	case relay.KindAudio:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeAudio{
			Duration: file.Duration,
		})
	case relay.KindVoice:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeAudio{
			Voice:    true,
			Duration: file.Duration,
		})
	}

	if file.ThumbPath != "" {
		thumb, err := up.FromPath(ctx, file.ThumbPath)
		if err != nil {
			return nil, errors.Wrap(err, "upload thumbnail")
		}
		doc.Thumb = thumb
	}
	return doc, nil
}

// countingWriter считает перенесённые байты и дёргает прогресс-колбэк.
type countingWriter struct {
	w        io.Writer
	done     int64
	total    int64
	progress relay.ProgressFunc
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.done += int64(n)
	if c.progress != nil {
		c.progress(c.done, c.total)
	}
	return n, err
}

// uploadProgress адаптирует relay.ProgressFunc к колбэку uploader.
type uploadProgress struct {
	fn relay.ProgressFunc
}

func (p uploadProgress) Chunk(_ context.Context, state uploader.ProgressState) error {
	p.fn(state.Uploaded, state.Total)
	return nil
}

// randomID генерирует random_id для запросов отправки. Криптостойкость не
// требуется: идентификатор защищает лишь от дублей при ретраях.
func randomID() int64 {
	return rand.Int64() // #nosec G404
}
