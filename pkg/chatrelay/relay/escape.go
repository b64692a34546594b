package relay

import "strings"

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeHTML makes text safe to send with Telegram's HTML parse mode. The
// whole input is treated as literal text.
func EscapeHTML(text string) string {
	return htmlEscaper.Replace(text)
}
