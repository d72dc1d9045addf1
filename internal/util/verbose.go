package util

import (
	"os"
	"strings"
)

// IsVerbose checks if the QWEN_VERBOSE environment variable is set.
// Accepts: "1", "true", "yes" (case-insensitive).
func IsVerbose() bool {
	switch strings.ToLower(os.Getenv("QWEN_VERBOSE")) {
	case "1", "true", "yes":
		return true
	}
	return false
}
