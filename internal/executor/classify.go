package executor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// alwaysQuotaStatus are status codes that indicate quota or balance
// exhaustion on their own.
var alwaysQuotaStatus = map[int]struct{}{
	402: {},
	429: {},
}

// keywordQuotaStatus are status codes that count as quota-class only
// when the error body confirms it; a bare 401/403 on its own is an
// authorization problem, not exhaustion.
var keywordQuotaStatus = map[int]struct{}{
	401: {},
	403: {},
	432: {},
	433: {},
}

// quotaKeywords are matched case-insensitively against the error
// message extracted from the response body.
var quotaKeywords = []string{
	"quota",
	"credit",
	"balance",
	"exceeded",
	"insufficient",
	"limit reached",
	"payment",
}

// bodyErrorPaths are the JSON fields probed for an error message, in
// order. When none yields a string the raw body is matched instead.
var bodyErrorPaths = []string{"error", "detail.error", "message"}

// classifyQuota reports whether an upstream failure is quota-class,
// the only failure class that triggers credential rotation.
func classifyQuota(status int, body []byte) bool {
	if _, ok := alwaysQuotaStatus[status]; ok {
		return true
	}

	if _, ok := keywordQuotaStatus[status]; !ok {
		return false
	}

	message := string(body)

	for _, path := range bodyErrorPaths {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String {
			message = v.Str
			break
		}
	}

	message = strings.ToLower(message)

	for _, keyword := range quotaKeywords {
		if strings.Contains(message, keyword) {
			return true
		}
	}

	return false
}
