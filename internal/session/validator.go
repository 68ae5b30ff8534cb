package session

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // largest frame payload a message may occupy
	MaxTextChars    = 2000
)

// ValidateText checks that message text meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

func validateEscalation(history []Message, notice Message) error {
	for _, m := range history {
		if err := validateMessage(m); err != nil {
			return fmt.Errorf("session: escalate: history: %w", err)
		}
	}
	if err := validateMessage(notice); err != nil {
		return fmt.Errorf("session: escalate: notice: %w", err)
	}
	return nil
}

// validateMessage checks a message before it is appended.
func validateMessage(m Message) error {
	switch m.Sender {
	case SenderBot, SenderUser, SenderAdmin:
	default:
		return fmt.Errorf("%w: unknown sender %q", ErrInvalidMessage, m.Sender)
	}
	switch m.Kind {
	case KindText, KindEscalationNotice, KindQuickReply:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return ValidateText(m.Text)
}
