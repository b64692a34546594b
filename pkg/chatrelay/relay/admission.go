package relay

import (
	"strconv"
	"strings"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
)

// Verdict is the outcome of admission control.
type Verdict int

const (
	VerdictReject Verdict = iota
	VerdictDirect
	VerdictChannel
	VerdictMention
)

func (v Verdict) String() string {
	switch v {
	case VerdictDirect:
		return "direct"
	case VerdictChannel:
		return "channel"
	case VerdictMention:
		return "mention"
	default:
		return "reject"
	}
}

// Event is the part of an inbound message admission control looks at.
type Event struct {
	Surface   channels.Surface
	ContextID string
	Text      string
	BotHandle string
}

// Decision carries the verdict, the effective text to forward and a reason
// for logging.
type Decision struct {
	Verdict Verdict
	Text    string
	Reason  string
}

// Accepted reports whether the event should be forwarded.
func (d Decision) Accepted() bool { return d.Verdict != VerdictReject }

func reject(reason string) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason}
}

// AllowList is the set of broadcast channel IDs the bot answers in.
type AllowList map[string]struct{}

// NewAllowList builds an allow-list from numeric chat IDs.
func NewAllowList(ids ...int64) AllowList {
	a := make(AllowList, len(ids))
	for _, id := range ids {
		a[strconv.FormatInt(id, 10)] = struct{}{}
	}
	return a
}

// Contains reports whether the chat ID is allow-listed.
func (a AllowList) Contains(chatID string) bool {
	_, ok := a[chatID]
	return ok
}

// Classify applies the per-surface admission policy. It never fails:
// rejection is a Decision like any other.
//
//   - direct: accepted as-is.
//   - channel: accepted only for allow-listed chat IDs.
//   - group: accepted only when "@<bot>" appears as a whole handle, not as
//     the prefix of a longer one; the first such occurrence is removed and
//     the rest trimmed.
func Classify(ev Event, allow AllowList) Decision {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return reject("empty text")
	}

	switch ev.Surface {
	case channels.SurfaceDirect:
		return Decision{Verdict: VerdictDirect, Text: text, Reason: "private chat"}

	case channels.SurfaceChannel:
		if !allow.Contains(ev.ContextID) {
			return reject("channel not in allow-list")
		}
		return Decision{Verdict: VerdictChannel, Text: text, Reason: "allow-listed channel"}

	case channels.SurfaceGroup:
		if ev.BotHandle == "" {
			return reject("bot handle unknown")
		}
		at := indexMention(text, "@"+ev.BotHandle)
		if at < 0 {
			return reject("bot not mentioned")
		}
		stripped := strings.TrimSpace(text[:at] + text[at+len(ev.BotHandle)+1:])
		if stripped == "" {
			return reject("mention without text")
		}
		return Decision{Verdict: VerdictMention, Text: stripped, Reason: "mentioned in group"}

	default:
		return reject("unsupported surface")
	}
}

// indexMention returns the byte offset of the first mention in text that is
// not followed by another handle character, or -1.
func indexMention(text, mention string) int {
	for off := 0; off < len(text); {
		i := strings.Index(text[off:], mention)
		if i < 0 {
			return -1
		}
		end := off + i + len(mention)
		if end == len(text) || !isHandleByte(text[end]) {
			return off + i
		}
		off = end
	}
	return -1
}

func isHandleByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
