// Package version хранит версию сборки. Значение переопределяется при сборке
// через -ldflags "-X telegram-relaybot/internal/support/version.Version=...".
package version

// Version — версия приложения, отдаётся Telegram в паспорте устройства.
var Version = "0.3.0"
