// Пакет relay — доменное ядро пересылки контента между чатами Telegram.
// Здесь собраны типы, общие для всего конвейера: адреса чатов и пермалинки,
// классифицированный контент сообщения, статистика партии, интерфейсы клиента
// Telegram и шлюза авторизации. Пакет не знает про MTProto: конкретный клиент
// подключается через интерфейс Client (реализация в adapters/telegram).
package relay

import (
	"context"
	"errors"
	"fmt"
)

// MaxBatch — жёсткий потолок числа сообщений в одной партии. Диапазоны,
// раскрывающиеся в большее количество, отклоняются до старта обработки.
const MaxBatch = 100000

// Типизированные ошибки домена. Сравниваются через errors.Is.
var (
	// ErrBadRange — выражение диапазона не соответствует грамматике.
	ErrBadRange = errors.New("relay: malformed range expression")
	// ErrTooManyFiles — диапазон раскрывается в больше чем MaxBatch сообщений.
	ErrTooManyFiles = errors.New("relay: range exceeds batch limit")
	// ErrBotLink — ссылка ведёт на бота; интерактив с ботами не поддерживается.
	ErrBotLink = errors.New("relay: bot links are not supported")
	// ErrNotAuthorized — у пользователя нет действующей подписки.
	ErrNotAuthorized = errors.New("relay: user is not authorized")
	// ErrBanned — пользователь заблокирован администратором.
	ErrBanned = errors.New("relay: user is banned")
	// ErrLimitExhausted — лимит сообщений пользователя исчерпан.
	ErrLimitExhausted = errors.New("relay: message limit exhausted")
	// ErrBatchActive — у пользователя уже идёт партия; вторая не запускается.
	ErrBatchActive = errors.New("relay: batch already active for this user")
	// ErrEmptyHistory — у источника нет сообщений, раскрывать "all" не из чего.
	ErrEmptyHistory = errors.New("relay: source chat has no messages")
)

// Kind — дискриминатор типа контента. Классификация выполняется один раз при
// чтении сообщения из источника; дальше конвейер ветвится только по Kind.
type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindPhoto
	KindDocument
	KindPDF
	KindAudio
	KindVoice
	KindSticker
	KindLink
	KindText
	KindService
)

// String возвращает короткое имя типа контента для логов и сводок.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindPhoto:
		return "photo"
	case KindDocument:
		return "document"
	case KindPDF:
		return "pdf"
	case KindAudio:
		return "audio"
	case KindVoice:
		return "voice"
	case KindSticker:
		return "sticker"
	case KindLink:
		return "link"
	case KindText:
		return "text"
	case KindService:
		return "service"
	default:
		return "other"
	}
}

// ChatRef — адрес чата-источника из пермалинка: либо публичный username, либо
// внутренний идентификатор приватного канала (форма t.me/c/<id>/...).
// Ровно одно из полей заполнено.
type ChatRef struct {
	Username   string
	InternalID int64
}

// IsZero сообщает, что адрес пуст.
func (r ChatRef) IsZero() bool {
	return r.Username == "" && r.InternalID == 0
}

// String печатает адрес в виде, пригодном для логов.
func (r ChatRef) String() string {
	if r.Username != "" {
		return "@" + r.Username
	}
	return fmt.Sprintf("c/%d", r.InternalID)
}

// Permalink — разобранная ссылка на конкретное сообщение.
type Permalink struct {
	Chat  ChatRef
	MsgID int
	Topic int // идентификатор темы форума; 0 — ссылка вне тем
}

// ChatInfo — сведения о чате-источнике, необходимые конвейеру.
type ChatInfo struct {
	ID       int64
	Title    string
	Username string
	// Protected — в чате запрещена пересылка (noforwards). При ошибке
	// получения сведений поле выставляется в true: безопаснее считать
	// контент защищённым, чем утечь им через прямую пересылку.
	Protected bool
}

// Message — сообщение источника с уже классифицированным контентом.
type Message struct {
	ID      int
	Content Content
	// Empty — сообщение удалено или недоступно; пропускается без ошибки.
	Empty bool
}

// Content — дискриминированное описание контента сообщения. Заполняется один
// раз при чтении из источника; поля за пределами общего набора осмысленны
// только для соответствующих Kind.
type Content struct {
	Kind     Kind
	Text     string // текст сообщения или подпись к медиа
	FileName string
	MIME     string
	Size     int64
	// Pinned — сообщение закреплено в источнике; копия закрепляется у
	// получателя по возможности.
	Pinned bool
	// Видеометрика для переупаковки (KindVideo).
	Duration int
	Width    int
	Height   int
}

// Stats — счётчики обработанной партии. Инвариант: сумма всех счётчиков типов
// равна числу обработанных сообщений (включая пропущенные служебные и пустые).
type Stats struct {
	Videos    int
	Photos    int
	Documents int
	PDFs      int
	Audio     int
	Voice     int
	Stickers  int
	Links     int
	Texts     int
	Service   int
	Other     int
	// Skipped — удалённые/недоступные сообщения внутри диапазона.
	Skipped int
	// Failed — сообщения, обработка которых завершилась ошибкой.
	Failed int
	// TotalBytes — суммарный размер перенесённых медиа.
	TotalBytes int64
	// Reuploaded — сколько из доставленных сообщений прошло через скачивание
	// с перезаливкой. Дублирует типовые счётчики, в Total не входит.
	Reuploaded int
}

// Count учитывает один обработанный контент в соответствующем счётчике.
func (s *Stats) Count(c Content) {
	switch c.Kind {
	case KindVideo:
		s.Videos++
	case KindPhoto:
		s.Photos++
	case KindDocument:
		s.Documents++
	case KindPDF:
		s.PDFs++
	case KindAudio:
		s.Audio++
	case KindVoice:
		s.Voice++
	case KindSticker:
		s.Stickers++
	case KindLink:
		s.Links++
	case KindText:
		s.Texts++
	case KindService:
		s.Service++
	default:
		s.Other++
	}
	s.TotalBytes += c.Size
}

// Total возвращает сумму всех счётчиков типов плюс пропуски и ошибки — то есть
// число сообщений диапазона, по которым конвейер принял решение.
func (s *Stats) Total() int {
	return s.Videos + s.Photos + s.Documents + s.PDFs + s.Audio + s.Voice +
		s.Stickers + s.Links + s.Texts + s.Service + s.Other + s.Skipped + s.Failed
}

// ProgressFunc вызывается при передаче файлов: done — перенесено байт,
// total — полный размер (0, если неизвестен).
type ProgressFunc func(done, total int64)

// DownloadedFile описывает скачанный на диск файл источника.
type DownloadedFile struct {
	Path string
	Size int64
}

// OutgoingFile описывает файл для отправки получателю.
type OutgoingFile struct {
	Path    string
	Name    string
	MIME    string
	Caption string
	Kind    Kind
	// ThumbPath — путь к картинке-превью; пустая строка — без превью.
	ThumbPath string
	// Видеометрика (для KindVideo).
	Duration int
	Width    int
	Height   int
}

// Client — всё, что конвейеру нужно от Telegram. Реализуется MTProto-адаптером;
// в тестах подменяется фейком. Все методы блокирующие и уважают контекст.
type Client interface {
	// ChatInfo возвращает сведения о чате-источнике.
	ChatInfo(ctx context.Context, chat ChatRef) (ChatInfo, error)
	// JoinInvite вступает в чат по инвайт-ссылке.
	JoinInvite(ctx context.Context, link string) error
	// Message читает одно сообщение источника с классификацией контента.
	Message(ctx context.Context, chat ChatRef, id int) (Message, error)
	// LatestMessageID возвращает идентификатор последнего сообщения чата.
	LatestMessageID(ctx context.Context, chat ChatRef) (int, error)

	// SendText отправляет текст получателю, возвращает ID нового сообщения.
	SendText(ctx context.Context, to int64, text string) (int, error)
	// EditText заменяет текст ранее отправленного сообщения.
	EditText(ctx context.Context, to int64, msgID int, text string) error
	// DeleteMessages удаляет сообщения в чате получателя/мосту.
	DeleteMessages(ctx context.Context, chatID int64, ids []int) error
	// Pin закрепляет сообщение; сопутствующее служебное сообщение о закрепе
	// адаптер убирает сам, по возможности.
	Pin(ctx context.Context, chatID int64, msgID int) error
	// Unpin снимает закреп.
	Unpin(ctx context.Context, chatID int64, msgID int) error

	// CopyMessage пересоздаёт сообщение у получателя без отметки о пересылке.
	CopyMessage(ctx context.Context, from ChatRef, msgID int, to int64) (int, error)
	// ForwardMessage пересылает сообщение, возвращает ID копии у получателя.
	ForwardMessage(ctx context.Context, from ChatRef, msgID int, to int64) (int, error)
	// Download скачивает медиа сообщения в каталог dir.
	Download(ctx context.Context, chat ChatRef, msgID int, dir string, progress ProgressFunc) (DownloadedFile, error)
	// Upload отправляет файл получателю, возвращает ID нового сообщения.
	Upload(ctx context.Context, to int64, file OutgoingFile, progress ProgressFunc) (int, error)
}

// AuthGate — шлюз авторизации пользователей. Реализуется хранилищем users;
// конвейер дёргает Check перед каждым сообщением и Consume после успешной
// обработки (ровно один раз на сообщение, кроме освобождённых пользователей).
type AuthGate interface {
	// Check возвращает nil либо одну из ошибок ErrNotAuthorized, ErrBanned,
	// ErrLimitExhausted.
	Check(ctx context.Context, userID int64) error
	// Consume списывает одну единицу лимита.
	Consume(ctx context.Context, userID int64) error
	// Exempt сообщает, что лимиты на пользователя не распространяются.
	Exempt(userID int64) bool
}
