// Пакет commands — тонкий командный слой над конвейером пересылки. Разбирает
// входящие личные сообщения, ведёт диалоги /batch, транслирует ответы
// пользователю и дёргает оркестратор, хранилище пользователей и шлюз
// авторизации. Бизнес-логики здесь нет — только маршрутизация и тексты.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-relaybot/internal/domain/relay"
	"telegram-relaybot/internal/domain/users"
	"telegram-relaybot/internal/infra/config"
	"telegram-relaybot/internal/infra/logger"
	"telegram-relaybot/internal/infra/timeutil"

	"go.uber.org/zap"
)

// batchCooldown — минимальный интервал между запусками /batch одним
// пользователем; защита от двойных нажатий.
const batchCooldown = 5 * time.Second

const helpText = `Commands:
/batch — relay a range of messages from a channel or group
/cancel — stop the running batch
/join <invite link> — join a chat by invite
/redeem <key> — activate a subscription key
/setchat <chat id> — deliver batches to another chat (/setchat reset to undo)
/thumb on|off|<url> — video thumbnail settings
/watermark <text> — watermark text for generated thumbnails (empty to disable)
/me — show your subscription and counters`

const adminHelpText = `Admin commands:
/auth <uid> <days> <limit> — grant a subscription (-1 = unlimited)
/revoke <uid> — drop a subscription
/ban <uid> | /unban <uid>
/genkey <days> <limit> — create an activation key`

// Router разбирает команды и запускает диалоги.
type Router struct {
	client relay.Client
	orc    *relay.Orchestrator
	store  *users.Store
	gate   relay.AuthGate
	conv   *Conversations

	promptTimeout time.Duration
	// runCtx — жизненный цикл приложения; партии привязаны к нему, а не к
	// контексту отдельного апдейта.
	runCtx context.Context
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastBatch map[int64]time.Time
}

// NewRouter собирает командный слой.
func NewRouter(runCtx context.Context, client relay.Client, orc *relay.Orchestrator,
	store *users.Store, gate relay.AuthGate, promptTimeout time.Duration) *Router {
	return &Router{
		client:        client,
		orc:           orc,
		store:         store,
		gate:          gate,
		conv:          NewConversations(),
		promptTimeout: promptTimeout,
		runCtx:        runCtx,
		lastBatch:     make(map[int64]time.Time),
	}
}

// Wait дожидается завершения фоновых диалогов и партий (на shutdown).
func (r *Router) Wait() {
	r.wg.Wait()
}

// HandleMessage — входная точка для личных сообщений. Команды разбираются
// всегда; не-командный текст сначала предлагается активному диалогу
// пользователя, иначе игнорируется.
func (r *Router) HandleMessage(ctx context.Context, userID int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		r.conv.Deliver(userID, text)
		return
	}

	cmd, args, _ := strings.Cut(text, " ")
	// Команды вида /cmd@botname нормализуются до /cmd.
	cmd = strings.ToLower(cmd)
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start", "/help":
		reply := helpText
		if config.IsAdmin(userID) {
			reply += "\n\n" + adminHelpText
		}
		r.reply(ctx, userID, reply)
	case "/batch":
		r.startBatchDialog(ctx, userID)
	case "/cancel":
		if r.orc.Registry().Cancel(userID) {
			r.reply(ctx, userID, "Stopping after the current message…")
		} else {
			r.reply(ctx, userID, "No active batch.")
		}
	case "/join":
		r.handleJoin(ctx, userID, args)
	case "/redeem":
		r.handleRedeem(ctx, userID, args)
	case "/setchat":
		r.handleSetChat(ctx, userID, args)
	case "/thumb":
		r.handleThumb(ctx, userID, args)
	case "/watermark":
		r.handleWatermark(ctx, userID, args)
	case "/me":
		r.handleMe(ctx, userID)
	case "/auth", "/revoke", "/ban", "/unban", "/genkey":
		r.handleAdmin(ctx, userID, cmd, args)
	default:
		r.reply(ctx, userID, "Unknown command. Send /help for the list.")
	}
}

// startBatchDialog запускает диалог /batch в отдельной горутине: диспетчер
// апдейтов не должен блокироваться на минуты ожидания ответов.
func (r *Router) startBatchDialog(ctx context.Context, userID int64) {
	r.mu.Lock()
	if last, ok := r.lastBatch[userID]; ok && time.Since(last) < batchCooldown {
		r.mu.Unlock()
		r.reply(ctx, userID, "Slow down — try again in a few seconds.")
		return
	}
	r.lastBatch[userID] = time.Now()
	r.mu.Unlock()

	if err := r.gate.Check(ctx, userID); err != nil {
		r.reply(ctx, userID, gateMessage(err))
		return
	}
	if r.orc.Registry().IsActive(userID) {
		r.reply(ctx, userID, "You already have a batch running. Send /cancel to stop it.")
		return
	}

	r.wg.Go(func() {
		r.runBatchDialog(userID)
	})
}

// runBatchDialog ведёт диалог и выполняет партию. Работает на runCtx:
// партия переживает исходный апдейт и завершается вместе с приложением.
func (r *Router) runBatchDialog(userID int64) {
	ctx := r.runCtx

	link, err := r.ask(ctx, userID, "Send the link of the first message to relay.")
	if err != nil {
		return
	}
	base, err := relay.ParsePermalink(link)
	if err != nil {
		if errors.Is(err, relay.ErrBotLink) {
			r.reply(ctx, userID, "Bot links are not supported.")
		} else {
			r.reply(ctx, userID, "That does not look like a message link. Start over with /batch.")
		}
		return
	}

	rangeExpr, err := r.ask(ctx, userID,
		"How many messages? Send a count, a range like 100-200, set notation like [1,50]U[80,90]-{42}, a link to the last message, or `all`.")
	if err != nil {
		return
	}

	var dest int64
	if rec, found, getErr := r.store.Get(ctx, userID); getErr == nil && found {
		dest = rec.ChatID
	}

	started := time.Now()
	res, err := r.orc.Run(ctx, relay.BatchRequest{
		UserID:    userID,
		Dest:      dest,
		Base:      base,
		RangeExpr: rangeExpr,
	})
	if err != nil {
		r.reply(ctx, userID, runMessage(err))
		return
	}

	r.bumpCounters(ctx, userID, &res.Stats)
	logger.Info("batch dialog finished",
		zap.Int64("user_id", userID),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("cancelled", res.Cancelled))

	// Служебное уведомление в лог-группу, если она настроена.
	if gid := config.Env().LogGroupID; gid != 0 {
		note := fmt.Sprintf("Batch by %d: %d relayed, %d failed, %d skipped in %s.",
			userID, res.Stats.Total()-res.Stats.Failed-res.Stats.Skipped,
			res.Stats.Failed, res.Stats.Skipped,
			timeutil.FormatDuration(time.Since(started)))
		if _, sendErr := r.client.SendText(ctx, gid, note); sendErr != nil {
			logger.Warn("log group notice failed", zap.Error(sendErr))
		}
	}
}

// ask отправляет вопрос и ждёт ответ пользователя.
func (r *Router) ask(ctx context.Context, userID int64, prompt string) (string, error) {
	if _, err := r.client.SendText(ctx, userID, prompt); err != nil {
		return "", err
	}
	answer, err := r.conv.Await(ctx, userID, r.promptTimeout)
	if errors.Is(err, ErrPromptTimeout) {
		r.reply(ctx, userID, "Timed out waiting for a reply. Start over with /batch.")
	}
	return answer, err
}

func (r *Router) handleJoin(ctx context.Context, userID int64, args string) {
	if err := r.gate.Check(ctx, userID); err != nil {
		r.reply(ctx, userID, gateMessage(err))
		return
	}
	if args == "" {
		r.reply(ctx, userID, "Usage: /join <invite link>")
		return
	}
	if err := r.client.JoinInvite(ctx, args); err != nil {
		logger.Warn("join failed", zap.Int64("user_id", userID), zap.Error(err))
		r.reply(ctx, userID, "Could not join that chat.")
		return
	}
	r.reply(ctx, userID, "Joined.")
}

func (r *Router) handleRedeem(ctx context.Context, userID int64, args string) {
	if args == "" {
		r.reply(ctx, userID, "Usage: /redeem <key>")
		return
	}
	rec, err := r.store.RedeemKey(ctx, userID, args)
	switch {
	case errors.Is(err, users.ErrKeyNotFound):
		r.reply(ctx, userID, "Unknown key.")
	case errors.Is(err, users.ErrKeyRedeemed):
		r.reply(ctx, userID, "This key was already used.")
	case err != nil:
		logger.Error("redeem failed", zap.Int64("user_id", userID), zap.Error(err))
		r.reply(ctx, userID, "Something went wrong, try again later.")
	default:
		r.reply(ctx, userID, fmt.Sprintf("Subscription active until %s, limit %s.",
			rec.ExpiresAt.Format("2006-01-02"), limitText(rec.Limit)))
	}
}

func (r *Router) handleSetChat(ctx context.Context, userID int64, args string) {
	if args == "" {
		r.reply(ctx, userID, "Usage: /setchat <chat id> or /setchat reset")
		return
	}
	var chatID int64
	if !strings.EqualFold(args, "reset") {
		var err error
		chatID, err = strconv.ParseInt(args, 10, 64)
		if err != nil {
			r.reply(ctx, userID, "Chat id must be a number (or `reset`).")
			return
		}
	}
	if err := r.store.SetChatID(ctx, userID, chatID); err != nil {
		logger.Error("setchat failed", zap.Int64("user_id", userID), zap.Error(err))
		r.reply(ctx, userID, "Something went wrong, try again later.")
		return
	}
	if chatID == 0 {
		r.reply(ctx, userID, "Batches will be delivered to you directly.")
	} else {
		r.reply(ctx, userID, fmt.Sprintf("Batches will be delivered to chat %d.", chatID))
	}
}

func (r *Router) handleThumb(ctx context.Context, userID int64, args string) {
	var (
		enabled bool
		url     string
	)
	switch {
	case strings.EqualFold(args, "on"):
		enabled = true
	case strings.EqualFold(args, "off"):
	case strings.HasPrefix(args, "http://") || strings.HasPrefix(args, "https://"):
		enabled = true
		url = args
	default:
		r.reply(ctx, userID, "Usage: /thumb on | off | <image url>")
		return
	}
	if err := r.store.SetThumbnail(ctx, userID, enabled, url); err != nil {
		logger.Error("thumb update failed", zap.Int64("user_id", userID), zap.Error(err))
		r.reply(ctx, userID, "Something went wrong, try again later.")
		return
	}
	r.reply(ctx, userID, "Thumbnail settings saved.")
}

func (r *Router) handleWatermark(ctx context.Context, userID int64, args string) {
	if err := r.store.SetWatermark(ctx, userID, args); err != nil {
		logger.Error("watermark update failed", zap.Int64("user_id", userID), zap.Error(err))
		r.reply(ctx, userID, "Something went wrong, try again later.")
		return
	}
	if args == "" {
		r.reply(ctx, userID, "Watermark disabled.")
	} else {
		r.reply(ctx, userID, "Watermark saved.")
	}
}

func (r *Router) handleMe(ctx context.Context, userID int64) {
	rec, found, err := r.store.Get(ctx, userID)
	if err != nil {
		logger.Error("me failed", zap.Int64("user_id", userID), zap.Error(err))
		r.reply(ctx, userID, "Something went wrong, try again later.")
		return
	}
	if !found && !config.IsAdmin(userID) {
		r.reply(ctx, userID, "No subscription. Activate one with /redeem <key>.")
		return
	}
	var b strings.Builder
	switch {
	case config.IsAdmin(userID):
		b.WriteString("Admin account.\n")
	case rec.Authorized(time.Now()):
		until := time.Until(rec.ExpiresAt)
		fmt.Fprintf(&b, "Subscription active until %s (%s left), limit %s.\n",
			rec.ExpiresAt.Format("2006-01-02"), timeutil.FormatDuration(until), limitText(rec.Limit))
	default:
		b.WriteString("Subscription expired. Activate a new key with /redeem.\n")
	}
	fmt.Fprintf(&b, "Relayed by copy: %d, by reupload: %d.", rec.Cloned, rec.Downloaded)
	r.reply(ctx, userID, b.String())
}

// handleAdmin разбирает административные команды; для остальных пользователей
// они выглядят как неизвестные.
func (r *Router) handleAdmin(ctx context.Context, userID int64, cmd, args string) {
	if !config.IsAdmin(userID) {
		r.reply(ctx, userID, "Unknown command. Send /help for the list.")
		return
	}
	fields := strings.Fields(args)
	switch cmd {
	case "/auth":
		if len(fields) != 3 {
			r.reply(ctx, userID, "Usage: /auth <uid> <days> <limit>")
			return
		}
		uid, err1 := strconv.ParseInt(fields[0], 10, 64)
		days, err2 := strconv.Atoi(fields[1])
		limit, err3 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			r.reply(ctx, userID, "Usage: /auth <uid> <days> <limit>")
			return
		}
		if err := r.store.Authorize(ctx, uid, days, limit); err != nil {
			r.replyErr(ctx, userID, err)
			return
		}
		r.reply(ctx, userID, fmt.Sprintf("User %d authorized for %d day(s), limit %s.",
			uid, days, limitText(limit)))
	case "/revoke":
		uid, ok := oneUID(fields)
		if !ok {
			r.reply(ctx, userID, "Usage: /revoke <uid>")
			return
		}
		if err := r.store.Revoke(ctx, uid); err != nil {
			r.replyErr(ctx, userID, err)
			return
		}
		r.reply(ctx, userID, fmt.Sprintf("Subscription of %d revoked.", uid))
	case "/ban":
		uid, ok := oneUID(fields)
		if !ok {
			r.reply(ctx, userID, "Usage: /ban <uid>")
			return
		}
		if err := r.store.Ban(ctx, uid); err != nil {
			r.replyErr(ctx, userID, err)
			return
		}
		r.orc.Registry().Cancel(uid)
		r.reply(ctx, userID, fmt.Sprintf("User %d banned.", uid))
	case "/unban":
		uid, ok := oneUID(fields)
		if !ok {
			r.reply(ctx, userID, "Usage: /unban <uid>")
			return
		}
		if err := r.store.Unban(ctx, uid); err != nil {
			r.replyErr(ctx, userID, err)
			return
		}
		r.reply(ctx, userID, fmt.Sprintf("User %d unbanned.", uid))
	case "/genkey":
		if len(fields) != 2 {
			r.reply(ctx, userID, "Usage: /genkey <days> <limit>")
			return
		}
		days, err1 := strconv.Atoi(fields[0])
		limit, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			r.reply(ctx, userID, "Usage: /genkey <days> <limit>")
			return
		}
		key, err := r.store.CreateKey(ctx, userID, days, limit)
		if err != nil {
			r.replyErr(ctx, userID, err)
			return
		}
		r.reply(ctx, userID, fmt.Sprintf("Key: %s (%d day(s), limit %s)", key, days, limitText(limit)))
	}
}

// bumpCounters переносит итоги партии в счётчики пользователя.
func (r *Router) bumpCounters(ctx context.Context, userID int64, stats *relay.Stats) {
	delivered := stats.Total() - stats.Failed - stats.Skipped
	cloned := delivered - stats.Reuploaded
	if cloned > 0 {
		if err := r.store.AddCloned(ctx, userID, int64(cloned)); err != nil {
			logger.Warn("cloned counter update failed", zap.Error(err))
		}
	}
	if stats.Reuploaded > 0 {
		if err := r.store.AddDownloaded(ctx, userID, int64(stats.Reuploaded)); err != nil {
			logger.Warn("downloaded counter update failed", zap.Error(err))
		}
	}
}

// reply отправляет ответ, глотая ошибку доставки (логируется).
func (r *Router) reply(ctx context.Context, userID int64, text string) {
	if _, err := r.client.SendText(ctx, userID, text); err != nil {
		logger.Warn("reply failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (r *Router) replyErr(ctx context.Context, userID int64, err error) {
	logger.Error("command failed", zap.Int64("user_id", userID), zap.Error(err))
	r.reply(ctx, userID, "Something went wrong, try again later.")
}

// gateMessage переводит ошибки шлюза авторизации в тексты для пользователя.
func gateMessage(err error) string {
	switch {
	case errors.Is(err, relay.ErrBanned):
		return "You are banned."
	case errors.Is(err, relay.ErrLimitExhausted):
		return "Your message limit is exhausted."
	case errors.Is(err, relay.ErrNotAuthorized):
		return "No active subscription. Activate one with /redeem <key>."
	default:
		return "Something went wrong, try again later."
	}
}

// runMessage переводит ошибки запуска партии в тексты для пользователя.
func runMessage(err error) string {
	switch {
	case errors.Is(err, relay.ErrBatchActive):
		return "You already have a batch running. Send /cancel to stop it."
	case errors.Is(err, relay.ErrTooManyFiles):
		return fmt.Sprintf("Too many messages; the limit is %d per batch.", relay.MaxBatch)
	case errors.Is(err, relay.ErrBadRange):
		return "Could not understand the range. Start over with /batch."
	case errors.Is(err, relay.ErrEmptyHistory):
		return "That chat has no messages after the link you sent."
	case errors.Is(err, relay.ErrBanned), errors.Is(err, relay.ErrLimitExhausted),
		errors.Is(err, relay.ErrNotAuthorized):
		return gateMessage(err)
	default:
		return "The batch failed to start. Check that the account can read the source chat."
	}
}

// limitText печатает лимит сообщений с учётом безлимита.
func limitText(limit int) string {
	if limit < 0 {
		return "unlimited"
	}
	return strconv.Itoa(limit)
}

// oneUID разбирает единственный аргумент-идентификатор.
func oneUID(fields []string) (int64, bool) {
	if len(fields) != 1 {
		return 0, false
	}
	uid, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return uid, true
}
