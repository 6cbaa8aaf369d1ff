package instagram

import (
	"fmt"
	"net/url"
)

const (
	// BaseURL is the base URL for Instagram
	BaseURL = "https://www.instagram.com"

	// ProfileEndpoint resolves a username to its numeric user id
	ProfileEndpoint = "/api/v1/users/web_profile_info/"

	// FeedEndpoint is the paginated user feed, keyed by numeric user id
	FeedEndpoint = "/api/v1/feed/user/%s/"

	// MediaInfoEndpoint returns the full detail document for one asset
	MediaInfoEndpoint = "/api/v1/media/%s/info/"

	// DefaultPageSize is the default number of posts requested per page
	DefaultPageSize = 12

	// MaxPageSize is the largest page the feed endpoint honours
	MaxPageSize = 50
)

// GetProfileURL constructs the URL for resolving a user's profile
func GetProfileURL(username string) string {
	params := url.Values{}
	params.Set("username", username)

	return fmt.Sprintf("%s%s?%s", BaseURL, ProfileEndpoint, params.Encode())
}

// GetFeedURL constructs the URL for one feed page. An empty maxID
// requests the first page.
func GetFeedURL(userID, maxID string, count int) string {
	if count <= 0 {
		count = DefaultPageSize
	} else if count > MaxPageSize {
		count = MaxPageSize
	}

	params := url.Values{}
	params.Set("count", fmt.Sprintf("%d", count))
	if maxID != "" {
		params.Set("max_id", maxID)
	}

	return fmt.Sprintf("%s%s?%s", BaseURL, fmt.Sprintf(FeedEndpoint, userID), params.Encode())
}

// GetMediaInfoURL constructs the URL for a per-asset detail document
func GetMediaInfoURL(mediaID string) string {
	return BaseURL + fmt.Sprintf(MediaInfoEndpoint, mediaID)
}

// GetProfileReferer is the Referer header value for requests scoped to
// a subject's profile.
func GetProfileReferer(username string) string {
	return fmt.Sprintf("%s/%s/", BaseURL, username)
}

// GetPostURL constructs the public URL for a post shortcode
func GetPostURL(shortcode string) string {
	if shortcode == "" {
		return ""
	}
	return fmt.Sprintf("%s/p/%s/", BaseURL, shortcode)
}

// IsValidUsername checks if a username is valid according to Instagram rules
func IsValidUsername(username string) bool {
	if username == "" || len(username) > 30 {
		return false
	}

	// Usernames can only contain letters, numbers, periods, and underscores
	for _, char := range username {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '.' || char == '_') {
			return false
		}
	}

	return true
}

// SanitizeUsername strips a leading @ and trailing slashes or spaces
func SanitizeUsername(username string) string {
	if username == "" {
		return ""
	}

	if username[0] == '@' {
		username = username[1:]
	}

	for len(username) > 0 && (username[len(username)-1] == '/' || username[len(username)-1] == ' ') {
		username = username[:len(username)-1]
	}

	return username
}
