package internal

import (
	"os"
	"strconv"
)

func getEnv(name string) (string, bool) {
	val, exists := os.LookupEnv(name)
	return val, exists
}

// getEnvInt returns the value of the environment variable with the given
// name or defaultValue if it is not set or not a valid integer.
func getEnvInt(name string, defaultValue int) int {
	val, ok := getEnv(name)
	if !ok {
		return defaultValue
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return i
}

func getEnvInt64(name string, defaultValue int64) int64 {
	val, ok := getEnv(name)
	if !ok {
		return defaultValue
	}

	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}

	return i
}
