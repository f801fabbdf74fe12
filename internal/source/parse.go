package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Google URL shapes that carry a resource ID in the path.
var idPatterns = []*regexp.Regexp{
	// Drive folders: /drive/folders/{ID} or /drive/u/0/folders/{ID}
	regexp.MustCompile(`/drive/(?:u/\d+/)?folders/([a-zA-Z0-9_-]+)`),
	// Drive files: /file/d/{ID}/view
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	// Sheets: /spreadsheets/d/{ID}/edit
	regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`),
}

// ParseResourceID extracts the resource ID from a Google Drive or
// Google Sheets URL. Bare IDs pass through unchanged.
func ParseResourceID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty resource identifier")
	}
	if !strings.HasPrefix(input, "http") {
		return input, nil
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	if parsed.Host != "drive.google.com" && parsed.Host != "docs.google.com" {
		return "", fmt.Errorf("unsupported URL domain %q", parsed.Host)
	}

	for _, pattern := range idPatterns {
		if m := pattern.FindStringSubmatch(parsed.Path); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("no resource ID found in %q", input)
}
