package json

import (
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage is a raw encoded JSON value, decoded lazily per intent.
type RawMessage = jsoniter.RawMessage

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder

	// Valid reports whether data is well-formed JSON.
	Valid = JSON.Valid
)

// Truncate shortens a payload for log fields without splitting a UTF-8 rune.
func Truncate(data []byte, max int) string {
	if len(data) <= max {
		return string(data)
	}
	cut := max
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "..."
}
