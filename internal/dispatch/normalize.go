package dispatch

import (
	"regexp"
	"strings"

	"booking-workers/internal/models"
)

// EventOpenLiveChat is the canonical token for "T minus 15 minutes, open the live chat".
const EventOpenLiveChat = "t-15min_open_live_chat"

// canonicalOrder is the expected progression of a job. Index is the rank.
var canonicalOrder = []string{
	models.StatusConfirmed,
	models.StatusReminder,
	models.StatusEnRoute,
	models.StatusNearby,
	models.StatusArrived,
	models.StatusMetCustomer,
	models.StatusFinalPaymentPending,
	models.StatusFinalPaymentConfirmed,
	models.StatusWorkStarted,
	models.StatusWorkFinished,
	models.StatusSeparated,
	models.StatusReview,
	models.StatusPayout,
	models.StatusClosed,
}

var statusRank = func() map[string]int {
	m := make(map[string]int, len(canonicalOrder))
	for i, s := range canonicalOrder {
		m[s] = i
	}
	return m
}()

// CanonicalStatuses returns the dispatch states in order.
func CanonicalStatuses() []string {
	out := make([]string, len(canonicalOrder))
	copy(out, canonicalOrder)
	return out
}

// IsStatus reports whether name is a canonical dispatch state.
func IsStatus(name string) bool {
	_, ok := statusRank[name]
	return ok
}

// StatusRank returns the position of name in the canonical order, or -1.
func StatusRank(name string) int {
	if r, ok := statusRank[name]; ok {
		return r
	}
	return -1
}

// countdownPattern matches "t-15", "T15", "t_15" starting a word, or "15 min" / "15นาที".
// The 15 must not be part of a longer number.
var countdownPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}])t[\s_-]*15(?:[^\p{N}]|$)|(?:^|[^\p{N}])15[\s_-]*(?:min|นาที)`)

// chatSignals are matched against the lower-cased input with whitespace, '-' and '_'
// removed. แชท and แชต are both in use for "chat".
var chatSignals = []string{"livechat", "chat", "ไลฟ์แชท", "แชท", "แชต"}

// NormalizeEventName turns client free text into a stable machine token.
func NormalizeEventName(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if isOpenLiveChat(s) {
		return EventOpenLiveChat
	}
	return strings.Join(strings.Fields(s), "_")
}

func isOpenLiveChat(lowered string) bool {
	if !countdownPattern.MatchString(lowered) {
		return false
	}
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, lowered)
	for _, n := range chatSignals {
		if strings.Contains(compact, n) {
			return true
		}
	}
	return false
}
