package relay

import (
	"fmt"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
)

// User-facing texts.
const (
	msgTooLong        = "The message is too long (%d chars). Max %d chars. Shorter message please."
	msgSessionInit    = "Oops! Couldn't start a new chat with the AI backend. Check logs."
	msgBackendGeneric = "Oops! Error talking to the AI backend. Try again."
	msgNotConfigured  = "Sorry, the AI backend is not configured."
	msgInternalError  = "Bot error! Try later."

	msgWelcomeDirect = "Hi %s! I'm a bot powered by an AI backend. How can I help you today?"
	msgWelcomeGroup  = "Hi %s! I'm a bot powered by an AI backend. Mention me (e.g. @%s) to get a response."
	msgChannelActive = "%s is active in this channel. I will respond to messages posted here."
	msgChannelHello  = "Hello! %s is now active and will respond to messages here."
	msgResetDone     = "Conversation cleared. Let's start fresh."
	msgResetNothing  = "There was no conversation to clear."
)

var backendMessages = map[llm.ErrorKind]string{
	llm.KindContextLength: "Conversation too long for the AI backend. Send /reset to start over.",
	llm.KindTimeout:       "The AI backend took too long to answer. Try again.",
	llm.KindAuth:          "The AI backend rejected our credentials. Check config.",
	llm.KindQuota:         "The AI backend quota is exhausted. Try again later.",
	llm.KindRateLimit:     "The AI backend is busy right now. Try again in a moment.",
	llm.KindBadRequest:    "The AI backend could not process that message. Try rephrasing it.",
	llm.KindModelNotFound: "AI model error. Check config.",
	llm.KindUnavailable:   "The AI backend is unavailable right now. Try again later.",
	llm.KindEmptyResponse: "The AI backend returned an empty answer. Try rephrasing your message.",
	llm.KindNotConfigured: msgNotConfigured,
}

// backendErrorMessage returns the user message for a classified backend error.
func backendErrorMessage(kind llm.ErrorKind) string {
	if msg, ok := backendMessages[kind]; ok {
		return msg
	}
	return msgBackendGeneric
}

func tooLongMessage(length, max int) string {
	return fmt.Sprintf(msgTooLong, length, max)
}
