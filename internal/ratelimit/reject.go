package ratelimit

import "strings"

// Exchange error codes that mean the request budget was exceeded on the exchange side.
const (
	CodeTooManyRequests int64 = -1003
	CodeTooManyOrders   int64 = -1015
)

// DetectLimit inspects an exchange rejection message. rateLimited covers request or order
// throttling, banned covers temporary IP bans, which also imply rateLimited.
func DetectLimit(msg string) (rateLimited bool, banned bool) {
	lower := strings.ToLower(msg)
	banned = strings.Contains(lower, "ip") && (strings.Contains(lower, "ban") || strings.Contains(lower, "blocked"))
	rateLimited = banned ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "too many new orders") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "request weight")
	return rateLimited, banned
}

// IsLimitCode reports whether an exchange error code signals throttling.
func IsLimitCode(code int64) bool {
	return code == CodeTooManyRequests || code == CodeTooManyOrders
}
