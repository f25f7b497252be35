package config

import "strings"

// Error is a configuration error. It names the file and, when known, the
// offending field.
type Error struct {
	File  string
	Field string
	Msg   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.File != "" {
		b.WriteString(" ")
		b.WriteString(e.File)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

func fieldError(file, field, msg string) *Error {
	return &Error{File: file, Field: field, Msg: msg}
}
