package relay_test

// Общий фейковый клиент Telegram для тестов конвейера. Поведение по умолчанию
// успешное и детерминированное; отдельные методы переопределяются функциями.

import (
	"context"
	"sync"

	"telegram-relaybot/internal/domain/relay"
)

type fakeClient struct {
	mu sync.Mutex

	chatInfoFn func(chat relay.ChatRef) (relay.ChatInfo, error)
	messageFn  func(chat relay.ChatRef, id int) (relay.Message, error)
	latestFn   func(chat relay.ChatRef) (int, error)
	sendTextFn func(to int64, text string) (int, error)
	copyFn     func(from relay.ChatRef, msgID int, to int64) (int, error)
	forwardFn  func(from relay.ChatRef, msgID int, to int64) (int, error)
	downloadFn func(chat relay.ChatRef, msgID int, dir string) (relay.DownloadedFile, error)
	uploadFn   func(to int64, file relay.OutgoingFile) (int, error)

	nextID    int
	sentTexts []string
	sentTo    []int64
	edits     map[int][]string
	deleted   map[int64][][]int
	pinned    []int
	unpinned  []int
	uploads   []relay.OutgoingFile
	copies    []int
	forwards  []int
	joined    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nextID:  1000,
		edits:   make(map[int][]string),
		deleted: make(map[int64][][]int),
	}
}

func (f *fakeClient) allocID() int {
	f.nextID++
	return f.nextID
}

func (f *fakeClient) ChatInfo(_ context.Context, chat relay.ChatRef) (relay.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatInfoFn != nil {
		return f.chatInfoFn(chat)
	}
	return relay.ChatInfo{ID: 1, Title: "source", Username: chat.Username}, nil
}

func (f *fakeClient) JoinInvite(_ context.Context, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, link)
	return nil
}

func (f *fakeClient) Message(_ context.Context, chat relay.ChatRef, id int) (relay.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageFn != nil {
		return f.messageFn(chat, id)
	}
	return relay.Message{ID: id, Content: relay.Content{Kind: relay.KindText, Text: "hello"}}, nil
}

func (f *fakeClient) LatestMessageID(_ context.Context, chat relay.ChatRef) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestFn != nil {
		return f.latestFn(chat)
	}
	return 100, nil
}

func (f *fakeClient) SendText(_ context.Context, to int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendTextFn != nil {
		return f.sendTextFn(to, text)
	}
	f.sentTexts = append(f.sentTexts, text)
	f.sentTo = append(f.sentTo, to)
	return f.allocID(), nil
}

func (f *fakeClient) EditText(_ context.Context, _ int64, msgID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[msgID] = append(f.edits[msgID], text)
	return nil
}

func (f *fakeClient) DeleteMessages(_ context.Context, chatID int64, ids []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cloned := make([]int, len(ids))
	copy(cloned, ids)
	f.deleted[chatID] = append(f.deleted[chatID], cloned)
	return nil
}

func (f *fakeClient) Pin(_ context.Context, _ int64, msgID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = append(f.pinned, msgID)
	return nil
}

func (f *fakeClient) Unpin(_ context.Context, _ int64, msgID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpinned = append(f.unpinned, msgID)
	return nil
}

func (f *fakeClient) CopyMessage(_ context.Context, from relay.ChatRef, msgID int, to int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyFn != nil {
		return f.copyFn(from, msgID, to)
	}
	f.copies = append(f.copies, msgID)
	return f.allocID(), nil
}

func (f *fakeClient) ForwardMessage(_ context.Context, from relay.ChatRef, msgID int, to int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwardFn != nil {
		return f.forwardFn(from, msgID, to)
	}
	f.forwards = append(f.forwards, msgID)
	return f.allocID(), nil
}

func (f *fakeClient) Download(_ context.Context, chat relay.ChatRef, msgID int, dir string, _ relay.ProgressFunc) (relay.DownloadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadFn != nil {
		return f.downloadFn(chat, msgID, dir)
	}
	return relay.DownloadedFile{Path: dir + "/file.bin", Size: 1}, nil
}

func (f *fakeClient) Upload(_ context.Context, to int64, file relay.OutgoingFile, _ relay.ProgressFunc) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadFn != nil {
		return f.uploadFn(to, file)
	}
	f.uploads = append(f.uploads, file)
	return f.allocID(), nil
}

// snapshotUploads возвращает копию списка отправленных файлов.
func (f *fakeClient) snapshotUploads() []relay.OutgoingFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relay.OutgoingFile, len(f.uploads))
	copy(out, f.uploads)
	return out
}
