package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// unsafeChars are characters that cannot appear in filenames on the
// filesystems we target.
var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)

const (
	maxTitleLen = 100
	ellipsis    = "…"
)

// SanitizeTitle makes a stream title safe for use in a filename. The
// length limit is in bytes, so the cut backs up to a rune boundary
// before the ellipsis goes on.
func SanitizeTitle(title string) string {
	safe := unsafeChars.ReplaceAllString(title, "_")
	if len(safe) <= maxTitleLen {
		return safe
	}
	cut := maxTitleLen - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(safe[cut]) {
		cut--
	}
	return safe[:cut] + ellipsis
}

// RecordingPath builds the output path for a recording: the date and the
// sanitized title, with a numeric suffix when the name is already taken.
func RecordingPath(dir, title string, now time.Time) string {
	base := fmt.Sprintf("[%s] %s", now.Format("2006-01-02"), SanitizeTitle(title))

	path := filepath.Join(dir, base+".mp4")
	for counter := 1; fileExists(path); counter++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d).mp4", base, counter))
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsPlaceholderTitle reports whether a stored title is one of the
// synthetic values that must never end up in a filename.
func IsPlaceholderTitle(login, title string) bool {
	if title == "" || title == "Offline" {
		return true
	}
	return strings.EqualFold(title, login+"'s Stream")
}
