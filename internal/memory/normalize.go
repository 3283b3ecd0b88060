package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// taskIDPattern restricts task ids to names that are safe as file names on every platform.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Normalize trims, lowercases, and collapses internal whitespace.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// CountBytes returns the stored size of text.
func CountBytes(text string) int {
	return len(text)
}

// EstimateTokens estimates token count using a word-based heuristic (1.3 tokens per word).
func EstimateTokens(text string) int {
	words := strings.Fields(text)
	return int(math.Ceil(float64(len(words)) * 1.3))
}

// Checksum returns the integrity checksum stored alongside content.
func Checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ValidateTaskID rejects ids that cannot be used as a file name.
func ValidateTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if !taskIDPattern.MatchString(taskID) || strings.Contains(taskID, "..") {
		return fmt.Errorf("invalid task_id %q: use letters, digits, '.', '_' or '-'", taskID)
	}
	return nil
}
