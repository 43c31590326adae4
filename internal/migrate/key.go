package migrate

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	unsafeChars   = regexp.MustCompile(`[<>:"/\\|?*]`)
	repeatedUnder = regexp.MustCompile(`_+`)
)

// SanitizeName makes a name safe for use as a path segment: path-unsafe
// characters become underscores, runs of underscores collapse, and leading
// or trailing underscores and dots are trimmed. An empty result falls back
// to "Unknown".
func SanitizeName(name string) string {
	cleaned := unsafeChars.ReplaceAllString(name, "_")
	cleaned = repeatedUnder.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "_.")
	if cleaned == "" {
		return "Unknown"
	}
	return cleaned
}

// DeriveTargetKey computes the destination key for a record. The key is a
// pure function of its inputs, so repeated runs against the same source
// record land on the same object, which is what makes the exists-check
// skip and the ledger's upsert-by-ID agree with each other.
func DeriveTargetKey(accountID, accountName, fileName string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", accountID, SanitizeName(accountName), SanitizeName(fileName))
}

// FileNameFromURL extracts the last path segment of a location URL.
// When the URL has no usable path, a name is synthesized from the record ID.
func FileNameFromURL(rawURL, recordID string) string {
	fallback := "file_" + recordID
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	return name
}

// FormatSize renders a byte count in human-readable units.
func FormatSize(sizeBytes int64) string {
	size := float64(sizeBytes)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024.0 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.1f TB", size)
}
