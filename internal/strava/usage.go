package strava

import (
	"strconv"
	"strings"
)

const (
	// HeaderRateLimitUsage は「15分使用量,日次使用量」を返すレスポンスヘッダー。
	HeaderRateLimitUsage = "X-RateLimit-Usage"
	// HeaderRateLimitLimit は「15分上限,日次上限」を返すレスポンスヘッダー。
	HeaderRateLimitLimit = "X-RateLimit-Limit"
)

// ParseUsageHeader は "12,340" 形式のヘッダー値を解析する。
// 形式が不正な場合はokにfalseを返す。
func ParseUsageHeader(value string) (shortTerm, daily int, ok bool) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || s < 0 {
		return 0, 0, false
	}
	d, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || d < 0 {
		return 0, 0, false
	}
	return s, d, true
}
