package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Торговый день считается по UTC. Смена дня определяется сравнением
// строковых ключей дня, а не срабатыванием таймера в конкретный момент,
// поэтому пропущенные тики не приводят к пропуску сброса.

// DayKeyLayout - формат ключа торгового дня
const DayKeyLayout = "2006-01-02"

// DayKey возвращает ключ торгового дня (UTC) для указанного времени
func DayKey(t time.Time) string {
	return t.UTC().Format(DayKeyLayout)
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC).
// Ноль означает "время неизвестно" и даёт нулевой time.Time.
func FromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
