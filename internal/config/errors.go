package config

import (
	"strings"
)

// ValidationError describes one invalid setting and how to fix it
type ValidationError struct {
	Field       string
	Message     string
	Suggestions []string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Field)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Suggestions) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Suggestions, "; "))
		b.WriteString(")")
	}
	return b.String()
}
