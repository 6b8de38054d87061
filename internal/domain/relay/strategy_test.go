package relay_test

import (
	"context"
	"errors"
	"testing"

	"telegram-relaybot/internal/domain/relay"
)

func TestSelect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		content    relay.Content
		protected  bool
		bridgeChat int64
		want       relay.Strategy
	}{
		{
			name:    "service message is skipped",
			content: relay.Content{Kind: relay.KindService},
			want:    relay.StrategySkip,
		},
		{
			name:    "text is recreated directly",
			content: relay.Content{Kind: relay.KindText, Text: "hi"},
			want:    relay.StrategyDirectCopy,
		},
		{
			name:       "link ignores the bridge",
			content:    relay.Content{Kind: relay.KindLink, Text: "https://example.com"},
			bridgeChat: 9999,
			want:       relay.StrategyDirectCopy,
		},
		{
			name:       "open media goes through the bridge",
			content:    relay.Content{Kind: relay.KindVideo},
			bridgeChat: 9999,
			want:       relay.StrategyBridgeForward,
		},
		{
			name:      "protected media is reuploaded",
			content:   relay.Content{Kind: relay.KindVideo},
			protected: true,
			want:      relay.StrategyDownloadReupload,
		},
		{
			name:    "media without a bridge is reuploaded",
			content: relay.Content{Kind: relay.KindPhoto},
			want:    relay.StrategyDownloadReupload,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeClient()
			client.chatInfoFn = func(chat relay.ChatRef) (relay.ChatInfo, error) {
				return relay.ChatInfo{ID: 1, Protected: tc.protected}, nil
			}
			sel := relay.NewSelector(client, tc.bridgeChat)

			got := sel.Select(context.Background(), relay.ChatRef{Username: "src"}, tc.content)
			if got != tc.want {
				t.Fatalf("Select() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSelectAssumesProtectedOnChatInfoError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	calls := 0
	client.chatInfoFn = func(_ relay.ChatRef) (relay.ChatInfo, error) {
		calls++
		return relay.ChatInfo{}, errors.New("CHANNEL_PRIVATE")
	}
	sel := relay.NewSelector(client, 9999)

	for i := 0; i < 3; i++ {
		got := sel.Select(context.Background(), relay.ChatRef{Username: "src"}, relay.Content{Kind: relay.KindVideo})
		if got != relay.StrategyDownloadReupload {
			t.Fatalf("Select() = %v, want the fail-safe StrategyDownloadReupload", got)
		}
	}
	// Признак защищённости кэшируется на время партии.
	if calls != 1 {
		t.Fatalf("ChatInfo called %d times, want 1", calls)
	}
}
