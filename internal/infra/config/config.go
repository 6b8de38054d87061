// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (релей-бот на MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных дефолтах,
//  4. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: конфиг среды управляет подключением к Telegram API,
// скоростными лимитами, мостовым чатом для переупаковки защищённого контента,
// каталогом загрузок, параметрами нарезки больших файлов и прочими «ручками».
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-relaybot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учетные данные и файлы сессии для MTProto, лог-уровень,
// ограничения по скорости, мостовой чат, администраторы и т. д.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	StateFile   string
	// Хранилище пользовательских записей (подписки, ключи, баны).
	DBFile         string
	PeersCacheFile string
	LogLevel       string
	ThrottleRPS    int
	TestDC         bool
	AppTimezone    string
	// Relay
	RelayChatID      int64 // мостовой чат для переупаковки защищённого контента; 0 = мост отключён
	LogGroupID       int64 // чат для служебных уведомлений; 0 = не отправлять
	AdminUIDs        []int64
	AdminOnly        bool
	DownloadDir      string
	PartSizeMB       int
	FloodCeilingSec  int
	FloodMarginSec   int
	PromptTimeoutSec int
	// Авто-завершение процесса через N секунд; 0 = работать бессрочно.
	RunTimeoutSec int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock. Загрузка держит
// эксклюзивный Lock на время обновления полей.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS    = 1
	defaultLogLevel       = "info"
	defaultSessionFile    = "data/session.bin"
	defaultStateFile      = "data/state.bbolt"
	defaultDBFile         = "data/users.bbolt"
	defaultPeersCacheFile = "data/peers_cache.bbolt"
	defaultAppTimezone    = "Europe/Moscow"
	defaultDownloadDir    = "data/downloads"
	// Нарезка больших файлов: Telegram пропускает ~2 ГиБ на сообщение,
	// держим запас.
	defaultPartSizeMB = 1536
	// Пороговые значения FloodWait: выше потолка запрос не пересиживаем.
	defaultFloodCeilingSec  = 300
	defaultFloodMarginSec   = 5
	defaultPromptTimeoutSec = 60
	defaultRunTimeoutSec    = 0
	defaultAdminOnly        = false
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  3. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	cfgInstance = newCfg
	cfgDone = true
	return err
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}

	var warnings []string

	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	sessionFile := sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings)
	stateFile := sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)
	dbFile := sanitizeFile("DB_FILE", os.Getenv("DB_FILE"), defaultDBFile, &warnings)
	peersCacheFile := sanitizeFile("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	relayChatID := parseInt64Default("RELAY_CHAT_ID", 0, &warnings)
	logGroupID := parseInt64Default("LOG_GROUP", 0, &warnings)
	adminUIDs := sanitizeAdminUIDs(os.Getenv("ADMIN_UIDS"), &warnings)
	adminOnly := parseBoolDefault("ADMIN_ONLY", defaultAdminOnly, &warnings)
	downloadDir := sanitizeFile("DOWNLOAD_DIR", os.Getenv("DOWNLOAD_DIR"), defaultDownloadDir, &warnings)
	partSizeMB := parseIntDefault("PART_SIZE_MB", defaultPartSizeMB, greaterThanZero, &warnings)
	floodCeilingSec := parseIntDefault("FLOOD_CEILING_SEC", defaultFloodCeilingSec, greaterThanZero, &warnings)
	floodMarginSec := parseIntDefault("FLOOD_MARGIN_SEC", defaultFloodMarginSec, nonNegative, &warnings)
	promptTimeoutSec := parseIntDefault("PROMPT_TIMEOUT_SEC", defaultPromptTimeoutSec, greaterThanZero, &warnings)
	runTimeoutSec := parseIntDefault("RUN_TIMEOUT_SEC", defaultRunTimeoutSec, nonNegative, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	AppLocation, err = timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}

	env := EnvConfig{
		APIID:            apiID,
		APIHash:          apiHash,
		PhoneNumber:      phone,
		SessionFile:      sessionFile,
		StateFile:        stateFile,
		DBFile:           dbFile,
		PeersCacheFile:   peersCacheFile,
		LogLevel:         logLevel,
		ThrottleRPS:      throttleRPS,
		TestDC:           testDC,
		AppTimezone:      appTimezone,
		RelayChatID:      relayChatID,
		LogGroupID:       logGroupID,
		AdminUIDs:        adminUIDs,
		AdminOnly:        adminOnly,
		DownloadDir:      downloadDir,
		PartSizeMB:       partSizeMB,
		FloodCeilingSec:  floodCeilingSec,
		FloodMarginSec:   floodMarginSec,
		PromptTimeoutSec: promptTimeoutSec,
		RunTimeoutSec:    runTimeoutSec,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; до Load возвращается нулевой снимок.
func Env() EnvConfig {
	if cfgInstance == nil {
		return EnvConfig{}
	}
	return cfgInstance.Env
}

// IsAdmin сообщает, входит ли uid в список администраторов из ADMIN_UIDS.
func IsAdmin(uid int64) bool {
	for _, admin := range Env().AdminUIDs {
		if admin == uid {
			return true
		}
	}
	return false
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseInt64Default читает name как int64 (идентификаторы чатов Telegram не
// влезают в int32). Пусто/некорректно — defaultVal плюс предупреждение.
func parseInt64Default(name string, defaultVal int64, warnings *[]string) int64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/ nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", "APP_TIMEZONE", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

// sanitizeAdminUIDs парсит CSV-строку идентификаторов пользователей, фильтрует
// некорректные записи, убирает дубликаты и возвращает отсортированный список.
// Пустой список допустим: тогда административные команды недоступны никому.
func sanitizeAdminUIDs(value string, warnings *[]string) []int64 {
	raw := strings.TrimSpace(value)
	if raw == "" {
		appendWarningf(warnings, "env ADMIN_UIDS is not set; admin commands are disabled")
		return nil
	}

	parts := strings.Split(raw, ",")
	seen := make(map[int64]struct{}, len(parts))
	result := make([]int64, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		uid, err := strconv.ParseInt(token, 10, 64)
		if err != nil || uid <= 0 {
			appendWarningf(warnings, "env ADMIN_UIDS entry %q is invalid; expected positive integer", token)
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		result = append(result, uid)
	}

	if len(result) == 0 {
		appendWarningf(warnings, "env ADMIN_UIDS produced empty list; admin commands are disabled")
		return nil
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
