package mtclient

// Классификация сообщений Telegram в доменные типы контента. Выполняется один
// раз при чтении сообщения из источника; дальше конвейер ветвится только по
// relay.Kind и не заглядывает в сырые структуры tg.*.

import (
	"fmt"
	"strings"

	"telegram-relaybot/internal/domain/relay"

	"github.com/gotd/td/tg"
)

const mimePDF = "application/pdf"

// classify строит relay.Content по сырому сообщению.
func classify(msg *tg.Message) relay.Content {
	content := relay.Content{
		Text:   msg.Message,
		Pinned: msg.Pinned,
	}

	if msg.Media == nil {
		content.Kind = relay.KindText
		if hasLinkEntity(msg.Entities) || strings.Contains(msg.Message, "://") {
			content.Kind = relay.KindLink
		}
		return content
	}

	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		content.Kind = relay.KindPhoto
		if photo, ok := media.Photo.(*tg.Photo); ok {
			content.Size = largestPhotoSize(photo)
		}
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			content.Kind = relay.KindOther
			return content
		}
		fillDocument(&content, doc)
	case *tg.MessageMediaWebPage:
		content.Kind = relay.KindLink
	default:
		content.Kind = relay.KindOther
	}
	return content
}

// fillDocument определяет тип документа по атрибутам и MIME.
func fillDocument(content *relay.Content, doc *tg.Document) {
	content.Kind = relay.KindDocument
	content.MIME = doc.MimeType
	content.Size = doc.Size

	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			content.FileName = a.FileName
		case *tg.DocumentAttributeVideo:
			content.Kind = relay.KindVideo
			content.Duration = int(a.Duration)
			content.Width = a.W
			content.Height = a.H
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				content.Kind = relay.KindVoice
			} else {
				content.Kind = relay.KindAudio
			}
			content.Duration = a.Duration
		case *tg.DocumentAttributeSticker:
			content.Kind = relay.KindSticker
		}
	}

	// PDF различается только по MIME: Telegram не даёт ему своего атрибута.
	if content.Kind == relay.KindDocument && strings.EqualFold(doc.MimeType, mimePDF) {
		content.Kind = relay.KindPDF
	}
}

func hasLinkEntity(entities []tg.MessageEntityClass) bool {
	for _, entity := range entities {
		switch entity.(type) {
		case *tg.MessageEntityURL, *tg.MessageEntityTextURL:
			return true
		}
	}
	return false
}

// largestPhotoSize возвращает размер самой большой версии фото в байтах.
func largestPhotoSize(photo *tg.Photo) int64 {
	var best int
	for _, size := range photo.Sizes {
		switch s := size.(type) {
		case *tg.PhotoSize:
			if s.Size > best {
				best = s.Size
			}
		case *tg.PhotoSizeProgressive:
			for _, part := range s.Sizes {
				if part > best {
					best = part
				}
			}
		}
	}
	return int64(best)
}

// largestPhotoThumb возвращает тип самой большой версии фото для скачивания.
func largestPhotoThumb(photo *tg.Photo) string {
	var (
		best     int
		bestType string
	)
	for _, size := range photo.Sizes {
		switch s := size.(type) {
		case *tg.PhotoSize:
			if s.Size >= best {
				best = s.Size
				bestType = s.Type
			}
		case *tg.PhotoSizeProgressive:
			for _, part := range s.Sizes {
				if part >= best {
					best = part
					bestType = s.Type
				}
			}
		}
	}
	return bestType
}

// downloadName подбирает имя локального файла для скачиваемого сообщения.
func downloadName(content relay.Content, msgID int) string {
	if content.FileName != "" {
		return fmt.Sprintf("%d_%s", msgID, sanitizeFileName(content.FileName))
	}
	switch content.Kind {
	case relay.KindPhoto:
		return fmt.Sprintf("photo_%d.jpg", msgID)
	case relay.KindVideo:
		return fmt.Sprintf("video_%d.mp4", msgID)
	case relay.KindVoice:
		return fmt.Sprintf("voice_%d.ogg", msgID)
	case relay.KindAudio:
		return fmt.Sprintf("audio_%d.mp3", msgID)
	case relay.KindSticker:
		return fmt.Sprintf("sticker_%d.webp", msgID)
	default:
		return fmt.Sprintf("file_%d.bin", msgID)
	}
}

// sanitizeFileName вычищает разделители путей из имени, пришедшего извне.
// После замены разделителей имя не может выйти за пределы каталога загрузки,
// поэтому точки сохраняются как есть.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, "\\", "_")
}
