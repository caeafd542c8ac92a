// Package utils provides small generic environment-lookup helpers shared
// across the synchronization core's ambient stack (CLI flag defaults,
// config loading). Error-context wrapping lives in merrors instead, since
// every error this module returns already carries a Kind.
package utils

import (
	"os"
	"strconv"
)

// EnvOrDefault looks up key in the environment and parses it with parse,
// falling back to fallback if the variable is unset, empty, or parse
// fails.
func EnvOrDefault[T any](key string, fallback T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := parse(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// EnvString returns the value of the environment variable identified by
// key, or fallback if it is unset or empty.
func EnvString(key, fallback string) string {
	return EnvOrDefault(key, fallback, func(v string) (string, error) { return v, nil })
}

// EnvInt returns the integer value of the environment variable identified
// by key, or fallback if it is unset, empty, or not a valid integer.
func EnvInt(key string, fallback int) int {
	return EnvOrDefault(key, fallback, strconv.Atoi)
}
