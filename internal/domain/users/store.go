// Пакет users — документное хранилище пользователей поверх bbolt: подписки,
// ключи активации, баны, пользовательские настройки (превью, водяной знак,
// чат доставки) и счётчики. Каждая операция — одна Update-транзакция bbolt,
// поэтому записи обновляются атомарно и без гонок между горутинами.
package users

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telegram-relaybot/internal/infra/storage"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Имена bucket'ов.
var (
	bucketUsers = []byte("users")
	bucketKeys  = []byte("keys")
	bucketBans  = []byte("bans")
)

var (
	// ErrKeyNotFound — ключ активации не существует.
	ErrKeyNotFound = errors.New("users: activation key not found")
	// ErrKeyRedeemed — ключ уже был активирован.
	ErrKeyRedeemed = errors.New("users: activation key already redeemed")
)

// Record — документ пользователя. Limit: -1 — без лимита, 0 — исчерпан,
// положительное значение — остаток сообщений.
type Record struct {
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Limit     int       `json:"limit"`
	InBatch   bool      `json:"in_batch"`

	ThumbEnabled bool   `json:"thumb_enabled"`
	ThumbURL     string `json:"thumb_url,omitempty"`
	Watermark    string `json:"watermark,omitempty"`
	// ChatID — чат доставки партий; 0 — слать самому пользователю.
	ChatID int64 `json:"chat_id,omitempty"`

	Cloned     int64 `json:"cloned"`
	Downloaded int64 `json:"downloaded"`
}

// Authorized сообщает, действует ли подписка на момент now.
func (r Record) Authorized(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.Before(r.ExpiresAt)
}

// Key — документ ключа активации.
type Key struct {
	Value      string    `json:"value"`
	Days       int       `json:"days"`
	Limit      int       `json:"limit"`
	CreatedBy  int64     `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	RedeemedBy int64     `json:"redeemed_by,omitempty"`
	RedeemedAt time.Time `json:"redeemed_at,omitempty"`
}

// Store — хранилище пользователей поверх bbolt.
type Store struct {
	db *bolt.DB
	// now подменяется в тестах.
	now func() time.Time
}

// Open открывает (или создаёт) файл хранилища и гарантирует наличие bucket'ов.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open users db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketKeys, bucketBans} {
			if _, bErr := tx.CreateBucketIfNotExists(name); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", name, bErr)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close закрывает файл хранилища.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get читает документ пользователя. Второй результат — false, если документа нет.
func (s *Store) Get(ctx context.Context, userID int64) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get(itob(userID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, found, err
}

// Authorize выдаёт или продлевает подписку: days дней от текущего момента
// (или от конца действующей подписки, если она ещё не истекла) и limit
// сообщений (-1 — без лимита).
func (s *Store) Authorize(ctx context.Context, userID int64, days, limit int) error {
	return s.update(ctx, userID, func(rec *Record) error {
		from := s.now()
		if rec.Authorized(from) {
			from = rec.ExpiresAt
		}
		rec.ExpiresAt = from.AddDate(0, 0, days)
		rec.Limit = limit
		return nil
	})
}

// Revoke снимает подписку, не трогая остальные поля документа.
func (s *Store) Revoke(ctx context.Context, userID int64) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.ExpiresAt = time.Time{}
		rec.Limit = 0
		return nil
	})
}

// Consume списывает одну единицу лимита. Лимит -1 не списывается; нулевой
// остаток — ошибка, чтобы рассинхрон Check/Consume был виден сразу.
func (s *Store) Consume(ctx context.Context, userID int64) error {
	return s.update(ctx, userID, func(rec *Record) error {
		switch {
		case rec.Limit < 0:
			return nil
		case rec.Limit == 0:
			return errors.New("users: consume on exhausted limit")
		default:
			rec.Limit--
			return nil
		}
	})
}

// CreateKey создаёт ключ активации на days дней и limit сообщений.
func (s *Store) CreateKey(ctx context.Context, createdBy int64, days, limit int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := Key{
		Value:     uuid.NewString(),
		Days:      days,
		Limit:     limit,
		CreatedBy: createdBy,
		CreatedAt: s.now(),
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(key.Value), raw)
	})
	if err != nil {
		return "", err
	}
	return key.Value, nil
}

// RedeemKey активирует ключ для пользователя: проверка, пометка ключа и
// продление подписки выполняются в одной транзакции — ключ нельзя активировать
// дважды даже при параллельных запросах.
func (s *Store) RedeemKey(ctx context.Context, userID int64, value string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		raw := keys.Get([]byte(value))
		if raw == nil {
			return ErrKeyNotFound
		}
		var key Key
		if err := json.Unmarshal(raw, &key); err != nil {
			return err
		}
		if key.RedeemedBy != 0 {
			return ErrKeyRedeemed
		}
		key.RedeemedBy = userID
		key.RedeemedAt = s.now()
		updated, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := keys.Put([]byte(value), updated); err != nil {
			return err
		}

		users := tx.Bucket(bucketUsers)
		if existing := users.Get(itob(userID)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				return err
			}
		}
		rec.UserID = userID
		from := s.now()
		if rec.Authorized(from) {
			from = rec.ExpiresAt
		}
		rec.ExpiresAt = from.AddDate(0, 0, key.Days)
		rec.Limit = key.Limit
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return users.Put(itob(userID), out)
	})
	return rec, err
}

// Ban блокирует пользователя.
func (s *Store) Ban(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Put(itob(userID), []byte{1})
	})
}

// Unban снимает блокировку.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Delete(itob(userID))
	})
}

// IsBanned проверяет блокировку.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var banned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		banned = tx.Bucket(bucketBans).Get(itob(userID)) != nil
		return nil
	})
	return banned, err
}

// SetThumbnail настраивает превью видео: включённость и необязательный URL
// собственной картинки.
func (s *Store) SetThumbnail(ctx context.Context, userID int64, enabled bool, url string) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.ThumbEnabled = enabled
		rec.ThumbURL = url
		return nil
	})
}

// SetWatermark задаёт текст водяного знака (пустая строка — выключить).
func (s *Store) SetWatermark(ctx context.Context, userID int64, text string) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.Watermark = text
		return nil
	})
}

// SetChatID задаёт чат доставки партий (0 — слать самому пользователю).
func (s *Store) SetChatID(ctx context.Context, userID, chatID int64) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.ChatID = chatID
		return nil
	})
}

// SetInBatch отражает признак активной партии.
func (s *Store) SetInBatch(ctx context.Context, userID int64, in bool) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.InBatch = in
		return nil
	})
}

// AddCloned увеличивает счётчик сообщений, перенесённых копированием.
func (s *Store) AddCloned(ctx context.Context, userID int64, n int64) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.Cloned += n
		return nil
	})
}

// AddDownloaded увеличивает счётчик сообщений, перенесённых через скачивание.
func (s *Store) AddDownloaded(ctx context.Context, userID int64, n int64) error {
	return s.update(ctx, userID, func(rec *Record) error {
		rec.Downloaded += n
		return nil
	})
}

// update выполняет атомарный read-modify-write документа пользователя.
// Отсутствующий документ создаётся с нулевыми полями.
func (s *Store) update(ctx context.Context, userID int64, mutate func(rec *Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		rec := Record{UserID: userID}
		if raw := users.Get(itob(userID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return users.Put(itob(userID), out)
	})
}

// itob кодирует идентификатор в big-endian ключ bbolt: порядок байтов
// сохраняет числовую сортировку при обходе курсором.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
