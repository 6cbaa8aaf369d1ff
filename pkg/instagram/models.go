package instagram

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FeedResponse is the envelope of one feed page. Items is a pointer so
// a response that parsed as JSON but carries no items collection at all
// can be told apart from an empty page.
type FeedResponse struct {
	Items         *[]json.RawMessage `json:"items"`
	MoreAvailable bool               `json:"more_available"`
	NextMaxID     string             `json:"next_max_id"`
	Status        string             `json:"status"`
	Message       string             `json:"message"`
}

// HasItems reports whether the items collection was present in the body
func (r *FeedResponse) HasItems() bool {
	return r.Items != nil
}

// SessionExpired reports whether the body carries the session-invalid
// marker. The endpoint answers 200 with this envelope when the session
// cookies have gone stale, so a status-code check alone misses it.
func (r *FeedResponse) SessionExpired() bool {
	return r.Status == "fail" && r.Message == "login_required"
}

// Post is one feed item. Document holds the untyped response tree the
// extractor walks; ID is the numeric asset id (pk), Code the public
// shortcode.
type Post struct {
	ID       string
	Code     string
	Document interface{}
}

// DecodeDocument parses raw JSON into the untyped tree used by the
// extractor. Numbers are kept as json.Number so 64-bit asset ids
// survive the round trip.
func DecodeDocument(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// DecodePost builds a Post from one raw feed item
func DecodePost(data json.RawMessage) (Post, error) {
	doc, err := DecodeDocument(data)
	if err != nil {
		return Post{}, err
	}

	post := Post{Document: doc}
	if m, ok := doc.(map[string]interface{}); ok {
		post.ID = stringField(m, "pk")
		if post.ID == "" {
			post.ID = stringField(m, "id")
		}
		post.Code = stringField(m, "code")
	}
	return post, nil
}

// stringField reads a field that may arrive as a string or a number
func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// ProfileResponse is the minimal typed view of the profile endpoint,
// used only to resolve a username to its numeric user id and post count.
type ProfileResponse struct {
	RequiresToLogin bool   `json:"requires_to_login"`
	Status          string `json:"status"`
	Data            struct {
		User struct {
			ID                       string `json:"id"`
			EdgeOwnerToTimelineMedia struct {
				Count int `json:"count"`
			} `json:"edge_owner_to_timeline_media"`
		} `json:"user"`
	} `json:"data"`
}
