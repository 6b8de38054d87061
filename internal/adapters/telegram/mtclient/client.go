// Пакет mtclient — MTProto-адаптер доменного интерфейса relay.Client поверх
// gotd. Отвечает за резолв пиров через локальный кэш, чтение и классификацию
// сообщений источника, отправку текста и перенос медиа. Доменная логика
// (стратегии, темп, лимиты) живёт выше и адаптера не касается.
package mtclient

import (
	"context"
	"fmt"
	"strings"

	"telegram-relaybot/internal/domain/relay"
	"telegram-relaybot/internal/infra/telegram/peersmgr"
	"telegram-relaybot/internal/infra/telegram/status"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// botAPIChannelOffset — смещение идентификаторов каналов в нотации Bot API
// (-100XXXXXXXXXX). Конфигурация и команда /setchat оперируют именно ею.
const botAPIChannelOffset = int64(1000000000000)

// Client реализует relay.Client поверх gotd RPC и менеджера пиров.
type Client struct {
	api   *tg.Client
	peers *peersmgr.Service
}

var _ relay.Client = (*Client)(nil)

// New создаёт адаптер. Менеджер пиров обязателен: без кэша access-hash
// большинство операций с приватными каналами невозможно.
func New(api *tg.Client, peersSvc *peersmgr.Service) (*Client, error) {
	if api == nil {
		return nil, errors.New("mtclient: api client is nil")
	}
	if peersSvc == nil {
		return nil, errors.New("mtclient: peers manager is nil")
	}
	return &Client{api: api, peers: peersSvc}, nil
}

// resolveSource возвращает peers.Peer для адреса источника.
func (c *Client) resolveSource(ctx context.Context, chat relay.ChatRef) (peers.Peer, error) {
	if chat.Username != "" {
		peer, err := c.peers.Mgr.ResolveDomain(ctx, chat.Username)
		if err != nil {
			return nil, fmt.Errorf("resolve @%s: %w", chat.Username, err)
		}
		return peer, nil
	}
	channel, err := c.peers.Mgr.ResolveChannelID(ctx, chat.InternalID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %d: %w", chat.InternalID, err)
	}
	return channel, nil
}

// sourcePeer возвращает tg.InputPeerClass для адреса источника.
func (c *Client) sourcePeer(ctx context.Context, chat relay.ChatRef) (tg.InputPeerClass, error) {
	peer, err := c.resolveSource(ctx, chat)
	if err != nil {
		return nil, err
	}
	return peer.InputPeer(), nil
}

// destPeer возвращает tg.InputPeerClass для идентификатора чата доставки в
// нотации Bot API: положительные — пользователи, -100... — каналы, прочие
// отрицательные — обычные группы.
func (c *Client) destPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	switch {
	case chatID <= -botAPIChannelOffset:
		return c.peers.InputPeerByKind(ctx, "channel", -chatID-botAPIChannelOffset)
	case chatID < 0:
		return c.peers.InputPeerByKind(ctx, "chat", -chatID)
	default:
		return c.peers.InputPeerByKind(ctx, "user", chatID)
	}
}

// ChatInfo возвращает сведения о чате-источнике, включая признак запрета
// пересылки.
func (c *Client) ChatInfo(ctx context.Context, chat relay.ChatRef) (relay.ChatInfo, error) {
	peer, err := c.resolveSource(ctx, chat)
	if err != nil {
		return relay.ChatInfo{}, err
	}

	switch v := peer.(type) {
	case peers.Channel:
		raw := v.Raw()
		return relay.ChatInfo{
			ID:        raw.ID,
			Title:     raw.Title,
			Username:  raw.Username,
			Protected: raw.Noforwards,
		}, nil
	case peers.Chat:
		raw := v.Raw()
		return relay.ChatInfo{
			ID:        raw.ID,
			Title:     raw.Title,
			Protected: raw.Noforwards,
		}, nil
	case peers.User:
		raw := v.Raw()
		return relay.ChatInfo{
			ID:       raw.ID,
			Title:    strings.TrimSpace(raw.FirstName + " " + raw.LastName),
			Username: raw.Username,
		}, nil
	default:
		return relay.ChatInfo{}, fmt.Errorf("mtclient: unsupported peer type %T", peer)
	}
}

// JoinInvite вступает в чат по инвайт-ссылке или публичному адресу. Повторное
// вступление ошибкой не считается.
func (c *Client) JoinInvite(ctx context.Context, link string) error {
	if hash, ok := inviteHash(link); ok {
		_, err := c.api.MessagesImportChatInvite(ctx, hash)
		if err != nil && !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return errors.Wrap(err, "import chat invite")
		}
		return nil
	}

	peer, err := c.resolveSource(ctx, relay.ChatRef{Username: publicChatName(link)})
	if err != nil {
		return err
	}
	channel, ok := peer.(peers.Channel)
	if !ok {
		return errors.New("mtclient: not a joinable channel")
	}
	if joinErr := channel.Join(ctx); joinErr != nil && !tgerr.Is(joinErr, "USER_ALREADY_PARTICIPANT") {
		return errors.Wrap(joinErr, "join channel")
	}
	return nil
}

// inviteHash выделяет хэш приватного инвайта из ссылок вида t.me/+hash и
// t.me/joinchat/hash.
func inviteHash(link string) (string, bool) {
	trimmed := strings.TrimSpace(link)
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimPrefix(trimmed, "t.me/")
	trimmed = strings.TrimPrefix(trimmed, "telegram.me/")

	switch {
	case strings.HasPrefix(trimmed, "+"):
		return strings.TrimPrefix(trimmed, "+"), true
	case strings.HasPrefix(trimmed, "joinchat/"):
		return strings.TrimPrefix(trimmed, "joinchat/"), true
	default:
		return "", false
	}
}

// publicChatName нормализует публичную ссылку или @имя до голого username.
func publicChatName(link string) string {
	trimmed := strings.TrimSpace(link)
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimPrefix(trimmed, "t.me/")
	trimmed = strings.TrimPrefix(trimmed, "telegram.me/")
	trimmed = strings.TrimPrefix(trimmed, "@")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

// Message читает одно сообщение источника. Удалённые и недоступные сообщения
// возвращаются с Empty=true и ошибкой не считаются.
func (c *Client) Message(ctx context.Context, chat relay.ChatRef, id int) (relay.Message, error) {
	raw, err := c.fetchRaw(ctx, chat, id)
	if err != nil {
		return relay.Message{}, err
	}
	if raw == nil {
		return relay.Message{ID: id, Empty: true}, nil
	}
	if service, ok := raw.(*tg.MessageService); ok {
		return relay.Message{ID: service.ID, Content: relay.Content{Kind: relay.KindService}}, nil
	}
	msg, ok := raw.(*tg.Message)
	if !ok {
		return relay.Message{ID: id, Empty: true}, nil
	}
	return relay.Message{ID: msg.ID, Content: classify(msg)}, nil
}

// fetchRaw возвращает сырое сообщение источника или nil, если его нет.
func (c *Client) fetchRaw(ctx context.Context, chat relay.ChatRef, id int) (tg.MessageClass, error) {
	peer, err := c.sourcePeer(ctx, chat)
	if err != nil {
		return nil, err
	}
	input := []tg.InputMessageClass{&tg.InputMessageID{ID: id}}

	var resp tg.MessagesMessagesClass
	if ch, ok := asInputChannel(peer); ok {
		resp, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: ch,
			ID:      input,
		})
	} else {
		resp, err = c.api.MessagesGetMessages(ctx, input)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get messages")
	}

	modified, ok := resp.AsModified()
	if !ok {
		return nil, errors.New("mtclient: unexpected messages response")
	}
	for _, msgClass := range modified.GetMessages() {
		if _, empty := msgClass.(*tg.MessageEmpty); empty {
			continue
		}
		if msgClass.GetID() == id {
			return msgClass, nil
		}
	}
	return nil, nil
}

// LatestMessageID возвращает идентификатор последнего сообщения чата.
func (c *Client) LatestMessageID(ctx context.Context, chat relay.ChatRef) (int, error) {
	peer, err := c.sourcePeer(ctx, chat)
	if err != nil {
		return 0, err
	}
	resp, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: 1,
	})
	if err != nil {
		return 0, errors.Wrap(err, "get history")
	}
	modified, ok := resp.AsModified()
	if !ok {
		return 0, errors.New("mtclient: unexpected history response")
	}
	for _, msgClass := range modified.GetMessages() {
		return msgClass.GetID(), nil
	}
	return 0, nil
}

// SendText отправляет текстовое сообщение в чат доставки.
func (c *Client) SendText(ctx context.Context, to int64, text string) (int, error) {
	peer, err := c.destPeer(ctx, to)
	if err != nil {
		return 0, err
	}
	// Аккаунт показывается online при живой переписке.
	status.Typing(ctx, peer)
	upd, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "send message")
	}
	return sentMessageID(upd), nil
}

// EditText заменяет текст ранее отправленного сообщения. Правка в тот же текст
// ошибкой не считается.
func (c *Client) EditText(ctx context.Context, to int64, msgID int, text string) error {
	peer, err := c.destPeer(ctx, to)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      msgID,
		Message: text,
	})
	if err != nil && !tgerr.Is(err, "MESSAGE_NOT_MODIFIED") {
		return errors.Wrap(err, "edit message")
	}
	return nil
}

// DeleteMessages удаляет сообщения у обеих сторон.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	peer, err := c.destPeer(ctx, chatID)
	if err != nil {
		return err
	}
	if ch, ok := asInputChannel(peer); ok {
		_, err = c.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: ch,
			ID:      append([]int(nil), ids...),
		})
		if err != nil {
			return errors.Wrap(err, "delete channel messages")
		}
		return nil
	}
	_, err = c.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     append([]int(nil), ids...),
	})
	if err != nil {
		return errors.Wrap(err, "delete messages")
	}
	return nil
}

// Pin закрепляет сообщение без уведомления. Служебное сообщение о закрепе
// удаляется по возможности.
func (c *Client) Pin(ctx context.Context, chatID int64, msgID int) error {
	peer, err := c.destPeer(ctx, chatID)
	if err != nil {
		return err
	}
	upd, err := c.api.MessagesUpdatePinnedMessage(ctx, &tg.MessagesUpdatePinnedMessageRequest{
		Peer:   peer,
		ID:     msgID,
		Silent: true,
	})
	if err != nil {
		return errors.Wrap(err, "pin message")
	}
	if serviceID := pinServiceMessageID(upd); serviceID != 0 {
		_ = c.DeleteMessages(ctx, chatID, []int{serviceID})
	}
	return nil
}

// Unpin снимает закреп.
func (c *Client) Unpin(ctx context.Context, chatID int64, msgID int) error {
	peer, err := c.destPeer(ctx, chatID)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesUpdatePinnedMessage(ctx, &tg.MessagesUpdatePinnedMessageRequest{
		Peer:  peer,
		ID:    msgID,
		Unpin: true,
	})
	if err != nil {
		return errors.Wrap(err, "unpin message")
	}
	return nil
}

// ForwardMessage пересылает сообщение с отметкой об источнике.
func (c *Client) ForwardMessage(ctx context.Context, from relay.ChatRef, msgID int, to int64) (int, error) {
	fromPeer, err := c.sourcePeer(ctx, from)
	if err != nil {
		return 0, err
	}
	toPeer, err := c.destPeer(ctx, to)
	if err != nil {
		return 0, err
	}
	upd, err := c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: fromPeer,
		ID:       []int{msgID},
		ToPeer:   toPeer,
		RandomID: []int64{randomID()},
	})
	if err != nil {
		return 0, errors.Wrap(err, "forward message")
	}
	return sentMessageID(upd), nil
}

// asInputChannel извлекает tg.InputChannel из peer, если тот — канал.
func asInputChannel(peer tg.InputPeerClass) (*tg.InputChannel, bool) {
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{
		ChannelID:  channel.ChannelID,
		AccessHash: channel.AccessHash,
	}, true
}

// sentMessageID достаёт идентификатор нового сообщения из ответа API.
func sentMessageID(u tg.UpdatesClass) int {
	switch upd := u.(type) {
	case *tg.UpdateShortSentMessage:
		return upd.ID
	case *tg.Updates:
		return messageIDFromUpdates(upd.Updates)
	case *tg.UpdatesCombined:
		return messageIDFromUpdates(upd.Updates)
	default:
		return 0
	}
}

func messageIDFromUpdates(updates []tg.UpdateClass) int {
	for _, item := range updates {
		switch v := item.(type) {
		case *tg.UpdateMessageID:
			return v.ID
		case *tg.UpdateNewMessage:
			if msg, ok := v.Message.(*tg.Message); ok {
				return msg.ID
			}
		case *tg.UpdateNewChannelMessage:
			if msg, ok := v.Message.(*tg.Message); ok {
				return msg.ID
			}
		}
	}
	return 0
}

// pinServiceMessageID находит служебное сообщение «закрепил сообщение» в
// ответе на запрос закрепа.
func pinServiceMessageID(u tg.UpdatesClass) int {
	updates, ok := u.(*tg.Updates)
	if !ok {
		return 0
	}
	for _, item := range updates.Updates {
		var msgClass tg.MessageClass
		switch v := item.(type) {
		case *tg.UpdateNewMessage:
			msgClass = v.Message
		case *tg.UpdateNewChannelMessage:
			msgClass = v.Message
		default:
			continue
		}
		service, ok := msgClass.(*tg.MessageService)
		if !ok {
			continue
		}
		if _, isPin := service.Action.(*tg.MessageActionPinMessage); isPin {
			return service.ID
		}
	}
	return 0
}
