package target

import (
	"net/url"
	"regexp"
	"strings"
)

// secretParamPattern matches credential-like query parameters in URLs
// embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|key|token|access[_-]?token|signature|sig|password|passwd|secret|auth)=)[^&\s"]+`)

// userinfoPattern matches the userinfo part of an absolute URL.
var userinfoPattern = regexp.MustCompile(`((?:https?|wss?)://)[^/@\s"]+@`)

const redacted = "[REDACTED]"

// Redact returns u as a string safe for logging: userinfo and credential-like
// query values are replaced.
func Redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return RedactString(u.String())
}

// RedactError returns err's message with embedded secrets replaced.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactString replaces secrets in any text that may contain target URLs.
func RedactString(s string) string {
	s = userinfoPattern.ReplaceAllString(s, "${1}"+redacted+"@")
	if !strings.Contains(s, "=") {
		return s
	}
	return secretParamPattern.ReplaceAllString(s, "${1}"+redacted)
}
