package service

import (
	"regexp"
	"time"
)

// secretPattern matches credential query parameters in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)\b((?:jscode|key)=)[^&\s"]+`)

// RedactSecret removes jscode and key values from s.
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
