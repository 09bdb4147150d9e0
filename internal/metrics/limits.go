package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"streamguard/logger"
)

// DetectLimit inspects an exchange close reason or error text for rate
// limit and IP ban wording.
func DetectLimit(msg string) (rateLimit bool, ipBan bool) {
	lower := strings.ToLower(msg)
	rateLimit = strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many connection")
	ipBan = strings.Contains(lower, "ip") && (strings.Contains(lower, "ban") || strings.Contains(lower, "blocked"))
	return
}

// ReportLimitFromMessage emits rate_limit_exceeded or ip_ban for streamID
// when msg matches. It reports whether anything matched.
func ReportLimitFromMessage(log *logger.Log, streamID, msg string) bool {
	rateLimit, ipBan := DetectLimit(msg)
	fields := logger.Fields{"stream": streamID}
	if rateLimit {
		EmitMetric(log, "stream_limits", "rate_limit_exceeded", 1, "counter", fields)
		log.WithComponent("stream_limits").WithFields(fields).Warn("rate limit exceeded")
	}
	if ipBan {
		EmitMetric(log, "stream_limits", "ip_ban", 1, "counter", fields)
		log.WithComponent("stream_limits").WithFields(fields).Error("ip banned")
	}
	return rateLimit || ipBan
}

var usedWeightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ReportUsedWeight emits the exchange's used-weight header from a handshake
// response as a gauge. It returns the first value found.
func ReportUsedWeight(log *logger.Log, resp *http.Response, streamID string) (float64, bool) {
	if log == nil || resp == nil {
		return 0, false
	}
	for _, h := range usedWeightHeaders {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent("stream_limits").WithFields(logger.Fields{
				"stream": streamID,
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		EmitMetric(log, "stream_limits", "used_weight", used, "gauge", logger.Fields{
			"stream": streamID,
			"window": h.window,
		})
		return used, true
	}
	return 0, false
}
