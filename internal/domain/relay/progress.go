package relay

// Текстовые представления хода партии: строка-бар, человекочитаемые размеры,
// тексты закреплённого анонса, периодических правок прогресса и финальной
// сводки. Всё — плоский текст без разметки: тексты редактируются часто, и
// ошибка парсинга разметки на стороне Telegram сорвала бы правку.

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"telegram-relaybot/internal/infra/timeutil"
)

const (
	barWidth  = 10
	barFilled = "█"
	barEmpty  = "░"
)

// HumanBytes печатает размер в двоичных единицах: "1.4 GiB", "512 B".
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Bar рисует строку-бар для доли done/total. При неизвестном total возвращает
// пустую строку: врать процентами хуже, чем не показать бар.
func Bar(done, total int64) string {
	if total <= 0 {
		return ""
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * barWidth)
	return strings.Repeat(barFilled, filled) + strings.Repeat(barEmpty, barWidth-filled) +
		fmt.Sprintf(" %.1f%%", frac*100)
}

// TransferText — текст прогресса одной передачи (скачивание или заливка).
func TransferText(action, name string, done, total int64, started time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", action, name)
	if bar := Bar(done, total); bar != "" {
		b.WriteString(bar)
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s / %s", HumanBytes(done), HumanBytes(total))
	} else {
		b.WriteString(HumanBytes(done))
	}
	elapsed := time.Since(started)
	if elapsed > time.Second && done > 0 {
		speed := float64(done) / elapsed.Seconds()
		fmt.Fprintf(&b, " | %s/s", HumanBytes(int64(speed)))
		if total > done && speed > 0 {
			eta := time.Duration(float64(total-done)/speed) * time.Second
			fmt.Fprintf(&b, " | ETA %s", timeutil.FormatDuration(eta))
		}
	}
	return b.String()
}

// AnnouncementText — текст закрепляемого анонса перед стартом партии.
func AnnouncementText(total int, source string) string {
	return fmt.Sprintf("Batch started: %d message(s) from %s.\n"+
		"This message will be updated with progress. Send /cancel to stop.", total, source)
}

// ProgressText — текст периодической правки анонса по ходу партии.
func ProgressText(processed, total int, stats *Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processing %d / %d\n", processed, total)
	if bar := Bar(int64(processed), int64(total)); bar != "" {
		b.WriteString(bar)
		b.WriteString("\n")
	}
	b.WriteString(statsLines(stats))
	return b.String()
}

// SummaryText — финальная сводка партии.
func SummaryText(stats *Stats, elapsed time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch finished in %s\n", timeutil.FormatDuration(elapsed))
	fmt.Fprintf(&b, "Processed: %d | Transferred: %s\n", stats.Total(), HumanBytes(stats.TotalBytes))
	b.WriteString(statsLines(stats))
	return b.String()
}

// CancelledText — текст завершения после /cancel.
func CancelledText(processed, total int) string {
	return fmt.Sprintf("Batch cancelled at %d / %d.", processed, total)
}

// StoppedText — текст досрочной остановки с названной причиной. Пользователь
// должен видеть, почему партия не дошла до конца, а не голую сводку.
func StoppedText(reason error, processed, total int) string {
	return fmt.Sprintf("Batch stopped at %d / %d: %s.", processed, total, stopReason(reason))
}

// stopReason переводит ошибку шлюза авторизации в человекочитаемую причину.
func stopReason(err error) string {
	switch {
	case errors.Is(err, ErrLimitExhausted):
		return "your message limit ran out"
	case errors.Is(err, ErrNotAuthorized):
		return "your subscription has expired"
	case errors.Is(err, ErrBanned):
		return "your account is banned"
	default:
		return err.Error()
	}
}

// statsLines перечисляет ненулевые счётчики, по одному на строку.
func statsLines(stats *Stats) string {
	if stats == nil {
		return ""
	}
	rows := []struct {
		label string
		value int
	}{
		{"Videos", stats.Videos},
		{"Photos", stats.Photos},
		{"Documents", stats.Documents},
		{"PDFs", stats.PDFs},
		{"Audio", stats.Audio},
		{"Voice", stats.Voice},
		{"Stickers", stats.Stickers},
		{"Links", stats.Links},
		{"Text", stats.Texts},
		{"Service", stats.Service},
		{"Other", stats.Other},
		{"Skipped", stats.Skipped},
		{"Failed", stats.Failed},
	}
	var b strings.Builder
	for _, row := range rows {
		if row.value == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", row.label, row.value)
	}
	return b.String()
}
