package utils

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// SanitizeFileName replaces anything outside a conservative character set with '_'.
func SanitizeFileName(name string) string {
	return fileNameRegex.ReplaceAllString(name, "_")
}

// FileNameFromURL returns the last path segment of rawURL, or "download" when there is none.
func FileNameFromURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(parsedURL.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return SanitizeFileName(name)
}
