package relay

// Разбор пермалинков t.me и выражений диапазона сообщений.
//
// Поддерживаемые формы ссылок:
//   - https://t.me/<username>/<id>
//   - https://t.me/<username>/<topic>/<id>   (темы форумов)
//   - https://t.me/c/<internal>/<id>         (приватные каналы)
//   - https://t.me/c/<internal>/<topic>/<id>
//
// Хвосты ?single, ?comment и прочие query-параметры отбрасываются. Ссылки на
// ботов (t.me/b/...) отклоняются с ErrBotLink. Выражения диапазона описаны в
// ExpandRange.

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// permalinkHosts — хосты, которые распознаются как ссылки Telegram.
var permalinkHosts = map[string]struct{}{
	"t.me":         {},
	"telegram.me":  {},
	"telegram.dog": {},
}

// ParsePermalink разбирает ссылку на конкретное сообщение. Возвращает
// ErrBotLink для ссылок на ботов и ErrBadRange-независимую ошибку разбора для
// всего остального, что не является ссылкой на сообщение.
func ParsePermalink(raw string) (Permalink, error) {
	segments, err := linkSegments(raw)
	if err != nil {
		return Permalink{}, err
	}

	// Веб-превью t.me/s/<username>/... эквивалентно обычной ссылке.
	if len(segments) > 1 && segments[0] == "s" {
		segments = segments[1:]
	}

	switch {
	case len(segments) == 0:
		return Permalink{}, fmt.Errorf("link %q has no path", raw)
	case segments[0] == "b":
		return Permalink{}, ErrBotLink
	case strings.HasPrefix(segments[0], "+") || segments[0] == "joinchat":
		return Permalink{}, fmt.Errorf("link %q is an invite, not a message link", raw)
	}

	var (
		chat ChatRef
		rest []string
	)
	if segments[0] == "c" {
		if len(segments) < 3 {
			return Permalink{}, fmt.Errorf("link %q is missing a message id", raw)
		}
		internal, convErr := strconv.ParseInt(segments[1], 10, 64)
		if convErr != nil || internal <= 0 {
			return Permalink{}, fmt.Errorf("link %q has a malformed channel id", raw)
		}
		chat = ChatRef{InternalID: internal}
		rest = segments[2:]
	} else {
		if len(segments) < 2 {
			return Permalink{}, fmt.Errorf("link %q is missing a message id", raw)
		}
		chat = ChatRef{Username: segments[0]}
		rest = segments[1:]
	}

	link := Permalink{Chat: chat}
	switch len(rest) {
	case 1:
		link.MsgID, err = parseMessageID(rest[0], raw)
	case 2:
		link.Topic, err = parseMessageID(rest[0], raw)
		if err == nil {
			link.MsgID, err = parseMessageID(rest[1], raw)
		}
	default:
		return Permalink{}, fmt.Errorf("link %q has too many path segments", raw)
	}
	if err != nil {
		return Permalink{}, err
	}
	return link, nil
}

// ParseBaseChannel извлекает адрес чата из ссылки или упоминания. Принимает
// формы "@username", "username", "t.me/username[/...]" и "t.me/c/<id>[/...]".
func ParseBaseChannel(raw string) (ChatRef, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ChatRef{}, fmt.Errorf("empty chat reference")
	}
	if strings.HasPrefix(v, "@") {
		name := strings.TrimPrefix(v, "@")
		if name == "" {
			return ChatRef{}, fmt.Errorf("chat reference %q has no username", raw)
		}
		return ChatRef{Username: name}, nil
	}
	if !strings.Contains(v, "/") && !strings.Contains(v, ".") {
		return ChatRef{Username: v}, nil
	}

	segments, err := linkSegments(v)
	if err != nil {
		return ChatRef{}, err
	}
	if len(segments) > 1 && segments[0] == "s" {
		segments = segments[1:]
	}
	switch {
	case len(segments) == 0:
		return ChatRef{}, fmt.Errorf("link %q has no path", raw)
	case segments[0] == "b":
		return ChatRef{}, ErrBotLink
	case segments[0] == "c":
		if len(segments) < 2 {
			return ChatRef{}, fmt.Errorf("link %q is missing a channel id", raw)
		}
		internal, convErr := strconv.ParseInt(segments[1], 10, 64)
		if convErr != nil || internal <= 0 {
			return ChatRef{}, fmt.Errorf("link %q has a malformed channel id", raw)
		}
		return ChatRef{InternalID: internal}, nil
	default:
		return ChatRef{Username: segments[0]}, nil
	}
}

// IsRangeAll сообщает, что выражение — сентинель "all": обработать источник
// целиком, от якорного сообщения до конца истории.
func IsRangeAll(expr string) bool {
	return strings.EqualFold(strings.TrimSpace(expr), "all")
}

// ExpandRange раскрывает выражение диапазона в отсортированный список
// идентификаторов без дубликатов. Поддерживаются три формы:
//
//   - "N" — счётчик: N сообщений начиная с якоря (anchor..anchor+N-1);
//   - "A-B" — отрезок; порядок границ не важен, "100-50" = "50-100";
//   - "[a,b]U[c,d]-{x,y}" — объединение отрезков с необязательным
//     вычитанием множества идентификаторов.
//
// Раскрытие идемпотентно: повторное применение к результату ничего не меняет.
// Выражения, раскрывающиеся в более чем MaxBatch идентификаторов, отклоняются
// с ErrTooManyFiles; синтаксический мусор — с ErrBadRange. Сентинель "all"
// сюда не попадает: его перехватывает IsRangeAll.
func ExpandRange(expr string, anchor int) ([]int, error) {
	v := strings.ReplaceAll(strings.TrimSpace(expr), " ", "")
	if v == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrBadRange)
	}
	if IsRangeAll(v) {
		return nil, fmt.Errorf("%w: %q must be handled via IsRangeAll", ErrBadRange, expr)
	}

	if strings.HasPrefix(v, "[") {
		return expandSetNotation(v)
	}

	if lo, hi, ok := splitInterval(v); ok {
		return expandInterval(lo, hi)
	}

	// Голое число — счётчик от якоря.
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadRange, expr)
	}
	if n > MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, n, MaxBatch)
	}
	if anchor <= 0 {
		return nil, fmt.Errorf("%w: count form needs an anchor message", ErrBadRange)
	}
	ids := make([]int, 0, n)
	for id := anchor; id < anchor+n; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// ResolveRange переводит пользовательский ввод второй реплики /batch в список
// идентификаторов. Принимает "all" (возвращает all=true), вторую ссылку на
// сообщение того же чата (отрезок от якоря до неё) либо выражение ExpandRange.
func ResolveRange(input string, base Permalink) (ids []int, all bool, err error) {
	if IsRangeAll(input) {
		return nil, true, nil
	}
	if second, perr := ParsePermalink(input); perr == nil {
		if second.Chat != base.Chat {
			return nil, false, fmt.Errorf("%w: second link points to a different chat", ErrBadRange)
		}
		ids, err = expandInterval(base.MsgID, second.MsgID)
		return ids, false, err
	}
	ids, err = ExpandRange(input, base.MsgID)
	return ids, false, err
}

// linkSegments нормализует ссылку: срезает схему, проверяет хост и возвращает
// непустые сегменты пути без query/fragment.
func linkSegments(raw string) ([]string, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v = strings.TrimPrefix(v, "www.")
	if idx := strings.IndexAny(v, "?#"); idx >= 0 {
		v = v[:idx]
	}

	host, path, ok := strings.Cut(v, "/")
	if !ok {
		path = ""
	}
	if _, known := permalinkHosts[strings.ToLower(host)]; !known {
		return nil, fmt.Errorf("link %q is not a telegram link", raw)
	}

	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments, nil
}

// parseMessageID разбирает положительный идентификатор сообщения.
func parseMessageID(s, raw string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("link %q has a malformed message id", raw)
	}
	return id, nil
}

// splitInterval распознаёт форму "A-B". Возвращает ok=false, если это не два
// числа через дефис (тогда вход пробуют разобрать как счётчик).
func splitInterval(v string) (lo, hi int, ok bool) {
	left, right, found := strings.Cut(v, "-")
	if !found {
		return 0, 0, false
	}
	lo, errLo := strconv.Atoi(left)
	hi, errHi := strconv.Atoi(right)
	if errLo != nil || errHi != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// expandInterval раскрывает отрезок [lo,hi] (границы нормализуются) с
// проверкой потолка.
func expandInterval(lo, hi int) ([]int, error) {
	if lo <= 0 || hi <= 0 {
		return nil, fmt.Errorf("%w: message ids must be positive", ErrBadRange)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	count := hi - lo + 1
	if count > MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, count, MaxBatch)
	}
	ids := make([]int, 0, count)
	for id := lo; id <= hi; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// expandSetNotation раскрывает форму "[a,b]U[c,d]-{x,y}": объединение отрезков
// с необязательным вычитанием перечисленных идентификаторов.
func expandSetNotation(v string) ([]int, error) {
	union := v
	var exclude string
	if idx := strings.Index(v, "-{"); idx >= 0 {
		if !strings.HasSuffix(v, "}") {
			return nil, fmt.Errorf("%w: unterminated exclusion set", ErrBadRange)
		}
		union = v[:idx]
		exclude = v[idx+2 : len(v)-1]
	}

	set := make(map[int]struct{})
	for _, term := range splitUnion(union) {
		if !strings.HasPrefix(term, "[") || !strings.HasSuffix(term, "]") {
			return nil, fmt.Errorf("%w: interval %q must be written as [a,b]", ErrBadRange, term)
		}
		body := term[1 : len(term)-1]
		left, right, found := strings.Cut(body, ",")
		if !found {
			return nil, fmt.Errorf("%w: interval %q must have two bounds", ErrBadRange, term)
		}
		lo, errLo := strconv.Atoi(left)
		hi, errHi := strconv.Atoi(right)
		if errLo != nil || errHi != nil || lo <= 0 || hi <= 0 {
			return nil, fmt.Errorf("%w: interval %q has malformed bounds", ErrBadRange, term)
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		for id := lo; id <= hi; id++ {
			set[id] = struct{}{}
			if len(set) > MaxBatch {
				return nil, fmt.Errorf("%w: union exceeds %d", ErrTooManyFiles, MaxBatch)
			}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: empty union", ErrBadRange)
	}

	if exclude != "" {
		for _, token := range strings.Split(exclude, ",") {
			if token == "" {
				continue
			}
			id, err := strconv.Atoi(token)
			if err != nil {
				return nil, fmt.Errorf("%w: exclusion %q is not a number", ErrBadRange, token)
			}
			delete(set, id)
		}
	}

	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// splitUnion режет объединение "[a,b]U[c,d]" на отдельные отрезки. Буква U
// принимается в любом регистре; внутри скобок её быть не может, поэтому
// достаточно плоского прохода.
func splitUnion(v string) []string {
	var terms []string
	start := 0
	for i := 0; i < len(v); i++ {
		if v[i] == 'U' || v[i] == 'u' {
			terms = append(terms, v[start:i])
			start = i + 1
		}
	}
	terms = append(terms, v[start:])
	return terms
}
