package utils

import (
	"fmt"
	"strings"

	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

// Indent returns an action that logs a message at the given indentation level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

// StrSliceContains returns true if an item in a string slice contains the given string
func StrSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.Contains(strings.ToLower(s), strings.ToLower(item)) {
			return true
		}
	}
	return false
}

// StrSliceHas returns true if a string slice has the exact given string
func StrSliceHas(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// Align rounds sz up to the next multiple of alignment (a power of two)
func Align(sz, alignment uint64) uint64 {
	return (sz + alignment - 1) &^ (alignment - 1)
}

// Align32 rounds sz up to the next multiple of alignment (a power of two)
func Align32(sz, alignment uint32) uint32 {
	return (sz + alignment - 1) &^ (alignment - 1)
}

// Pad returns a string of n spaces
func Pad(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(" ", n)
}

// Unique returns a slice with all duplicates removed, preserving order
func Unique[T comparable](s []T) []T {
	seen := make(map[T]bool, len(s))
	out := s[:0]
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// FormatAddress formats a vm address the way the rest of the tool logs them
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("%#x", addr)
}
