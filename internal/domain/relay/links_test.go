package relay_test

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"telegram-relaybot/internal/domain/relay"
)

func TestParsePermalink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    relay.Permalink
		wantErr error
	}{
		{
			name: "public channel message",
			raw:  "https://t.me/somechannel/1234",
			want: relay.Permalink{Chat: relay.ChatRef{Username: "somechannel"}, MsgID: 1234},
		},
		{
			name: "bare host without scheme",
			raw:  "t.me/somechannel/42",
			want: relay.Permalink{Chat: relay.ChatRef{Username: "somechannel"}, MsgID: 42},
		},
		{
			name: "private channel message",
			raw:  "https://t.me/c/1987654321/777",
			want: relay.Permalink{Chat: relay.ChatRef{InternalID: 1987654321}, MsgID: 777},
		},
		{
			name: "forum topic link",
			raw:  "https://t.me/somegroup/15/908",
			want: relay.Permalink{Chat: relay.ChatRef{Username: "somegroup"}, Topic: 15, MsgID: 908},
		},
		{
			name: "private channel topic link",
			raw:  "https://t.me/c/1987654321/15/908",
			want: relay.Permalink{Chat: relay.ChatRef{InternalID: 1987654321}, Topic: 15, MsgID: 908},
		},
		{
			name: "single query suffix is stripped",
			raw:  "https://t.me/somechannel/555?single",
			want: relay.Permalink{Chat: relay.ChatRef{Username: "somechannel"}, MsgID: 555},
		},
		{
			name: "web preview form",
			raw:  "https://t.me/s/somechannel/321",
			want: relay.Permalink{Chat: relay.ChatRef{Username: "somechannel"}, MsgID: 321},
		},
		{
			name:    "bot link is rejected",
			raw:     "https://t.me/b/somebot/12",
			wantErr: relay.ErrBotLink,
		},
		{
			name:    "invite link is not a permalink",
			raw:     "https://t.me/+AbCdEfGh",
			wantErr: errAny,
		},
		{
			name:    "foreign host",
			raw:     "https://example.com/somechannel/1",
			wantErr: errAny,
		},
		{
			name:    "missing message id",
			raw:     "https://t.me/somechannel",
			wantErr: errAny,
		},
		{
			name:    "non-numeric message id",
			raw:     "https://t.me/somechannel/abc",
			wantErr: errAny,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := relay.ParsePermalink(tc.raw)
			if tc.wantErr != nil {
				if err == nil {
					t.Fatalf("ParsePermalink(%q) = %#v, want error", tc.raw, got)
				}
				if tc.wantErr != errAny && !errors.Is(err, tc.wantErr) {
					t.Fatalf("ParsePermalink(%q) error = %v, want %v", tc.raw, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePermalink(%q) error = %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParsePermalink(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}

// errAny помечает кейсы, где важен сам факт ошибки, а не её тип.
var errAny = errors.New("any error")

func TestParseBaseChannel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    relay.ChatRef
		wantErr bool
	}{
		{name: "mention", raw: "@somechannel", want: relay.ChatRef{Username: "somechannel"}},
		{name: "bare username", raw: "somechannel", want: relay.ChatRef{Username: "somechannel"}},
		{name: "link without message", raw: "https://t.me/somechannel", want: relay.ChatRef{Username: "somechannel"}},
		{name: "link with message", raw: "https://t.me/somechannel/10", want: relay.ChatRef{Username: "somechannel"}},
		{name: "private link", raw: "https://t.me/c/1987654321/10", want: relay.ChatRef{InternalID: 1987654321}},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "empty mention", raw: "@", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := relay.ParseBaseChannel(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseBaseChannel(%q) = %#v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBaseChannel(%q) error = %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseBaseChannel(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestExpandRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		expr    string
		anchor  int
		want    []int
		wantLen int
		wantErr error
	}{
		{
			name:   "count from anchor",
			expr:   "50",
			anchor: 1000,
			want:   sequence(1000, 1049),
		},
		{
			name: "reversed interval is normalized",
			expr: "100-50",
			want: sequence(50, 100),
		},
		{
			name: "plain interval",
			expr: "5-9",
			want: []int{5, 6, 7, 8, 9},
		},
		{
			name:    "union with exclusions",
			expr:    "[100,200]U[300,400]-{150,350}",
			wantLen: 200,
		},
		{
			name: "overlapping union deduplicates",
			expr: "[1,10]U[5,15]",
			want: sequence(1, 15),
		},
		{
			name: "spaces are tolerated",
			expr: " [1,3] U [5,6] - {2} ",
			want: []int{1, 3, 5, 6},
		},
		{
			name:    "count above the cap",
			expr:    "200000",
			anchor:  1,
			wantErr: relay.ErrTooManyFiles,
		},
		{
			name:    "interval above the cap",
			expr:    "1-200000",
			wantErr: relay.ErrTooManyFiles,
		},
		{
			name:    "union above the cap",
			expr:    "[1,60000]U[70000,140000]",
			wantErr: relay.ErrTooManyFiles,
		},
		{
			name:    "count without anchor",
			expr:    "50",
			anchor:  0,
			wantErr: relay.ErrBadRange,
		},
		{
			name:    "garbage",
			expr:    "ten-twenty",
			wantErr: relay.ErrBadRange,
		},
		{
			name:    "empty",
			expr:    "",
			wantErr: relay.ErrBadRange,
		},
		{
			name:    "zero message id",
			expr:    "0-5",
			wantErr: relay.ErrBadRange,
		},
		{
			name:    "unterminated exclusion",
			expr:    "[1,5]-{2",
			wantErr: relay.ErrBadRange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := relay.ExpandRange(tc.expr, tc.anchor)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ExpandRange(%q) error = %v, want %v", tc.expr, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExpandRange(%q) error = %v", tc.expr, err)
			}
			if tc.want != nil && !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ExpandRange(%q) = %v, want %v", tc.expr, got, tc.want)
			}
			if tc.wantLen != 0 && len(got) != tc.wantLen {
				t.Fatalf("ExpandRange(%q) returned %d ids, want %d", tc.expr, len(got), tc.wantLen)
			}
			assertSortedUnique(t, got)
		})
	}
}

// Повторное раскрытие одного выражения всегда даёт тот же результат.
func TestExpandRangeIdempotent(t *testing.T) {
	t.Parallel()

	const expr = "[100,200]U[300,400]-{150,350}"
	first, err := relay.ExpandRange(expr, 0)
	if err != nil {
		t.Fatalf("ExpandRange(%q) error = %v", expr, err)
	}
	second, err := relay.ExpandRange(expr, 0)
	if err != nil {
		t.Fatalf("ExpandRange(%q) error = %v", expr, err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("ExpandRange(%q) is not deterministic: %v vs %v", expr, first, second)
	}
}

func TestIsRangeAll(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"all", "ALL", " All "} {
		if !relay.IsRangeAll(expr) {
			t.Fatalf("IsRangeAll(%q) = false, want true", expr)
		}
	}
	for _, expr := range []string{"al", "100", "[1,2]"} {
		if relay.IsRangeAll(expr) {
			t.Fatalf("IsRangeAll(%q) = true, want false", expr)
		}
	}
}

func TestResolveRange(t *testing.T) {
	t.Parallel()

	base := relay.Permalink{Chat: relay.ChatRef{Username: "somechannel"}, MsgID: 100}

	t.Run("all sentinel", func(t *testing.T) {
		t.Parallel()
		ids, all, err := relay.ResolveRange("all", base)
		if err != nil || !all || ids != nil {
			t.Fatalf("ResolveRange(all) = %v, %v, %v; want nil, true, nil", ids, all, err)
		}
	})

	t.Run("second permalink of same chat", func(t *testing.T) {
		t.Parallel()
		ids, all, err := relay.ResolveRange("https://t.me/somechannel/104", base)
		if err != nil || all {
			t.Fatalf("ResolveRange(second link) = %v, %v, %v", ids, all, err)
		}
		if want := sequence(100, 104); !reflect.DeepEqual(ids, want) {
			t.Fatalf("ResolveRange(second link) = %v, want %v", ids, want)
		}
	})

	t.Run("second permalink of another chat", func(t *testing.T) {
		t.Parallel()
		_, _, err := relay.ResolveRange("https://t.me/otherchannel/104", base)
		if !errors.Is(err, relay.ErrBadRange) {
			t.Fatalf("ResolveRange(foreign link) error = %v, want ErrBadRange", err)
		}
	})

	t.Run("plain expression uses the anchor", func(t *testing.T) {
		t.Parallel()
		ids, all, err := relay.ResolveRange("3", base)
		if err != nil || all {
			t.Fatalf("ResolveRange(count) = %v, %v, %v", ids, all, err)
		}
		if want := []int{100, 101, 102}; !reflect.DeepEqual(ids, want) {
			t.Fatalf("ResolveRange(count) = %v, want %v", ids, want)
		}
	})
}

// sequence строит [lo..hi] включительно.
func sequence(lo, hi int) []int {
	ids := make([]int, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		ids = append(ids, id)
	}
	return ids
}

// assertSortedUnique проверяет каноничность результата раскрытия.
func assertSortedUnique(t *testing.T, ids []int) {
	t.Helper()
	if !sort.IntsAreSorted(ids) {
		t.Fatalf("ids are not sorted: %v", ids)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("ids contain duplicate %d", ids[i])
		}
	}
}
