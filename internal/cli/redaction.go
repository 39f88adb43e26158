package cli

import (
	"regexp"
)

var redactionPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// Credentials embedded in URLs
	{regexp.MustCompile(`://([^:/@\s]+):[^@\s]+@`), "://$1:[REDACTED]@"},

	// Home directories in config file paths
	{regexp.MustCompile(`/home/[^/\s]+`), "/home/[USER]"},
	{regexp.MustCompile(`/Users/[^/\s]+`), "/Users/[USER]"},

	// Password-like patterns
	{regexp.MustCompile(`[Pp]assword[\s:=]+[^\s]+`), "password=[REDACTED]"},

	// Secret environment variable patterns
	{regexp.MustCompile(`[A-Z_]*SECRET[A-Z_]*=\S+`), "[SECRET REDACTED]"},
	{regexp.MustCompile(`[A-Z_]*TOKEN[A-Z_]*=\S+`), "[TOKEN REDACTED]"},
}

// RedactError redacts sensitive information from error messages
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactString redacts sensitive information from any string
func RedactString(s string) string {
	for _, p := range redactionPatterns {
		s = p.pattern.ReplaceAllString(s, p.replace)
	}
	return s
}
