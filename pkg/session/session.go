// Package session holds the authentication material needed to talk to
// the API. A Session is produced by the external login collaborator as a
// cookie bundle and consumed read-only by the rest of the pipeline.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"igharvest/pkg/errors"
)

// Cookie names required to issue a page request
const (
	CookieCSRFToken = "csrftoken"
	CookieSessionID = "sessionid"
	CookieUserID    = "ds_user_id"
)

// optionalCookies are carried through to the Cookie header when present
// but their absence is not an error.
var optionalCookies = []string{"datr", "ig_did", "mid", "wd", "ig_nrcb"}

// Session is the immutable credential bundle for one authenticated user.
type Session struct {
	CSRFToken    string
	SessionID    string
	UserID       string
	AppID        string
	WebSessionID string

	extra map[string]string
}

// New builds a Session from explicit values. Extra cookies may be nil.
func New(csrfToken, sessionID, userID, appID, webSessionID string, extra map[string]string) *Session {
	s := &Session{
		CSRFToken:    csrfToken,
		SessionID:    sessionID,
		UserID:       userID,
		AppID:        appID,
		WebSessionID: webSessionID,
		extra:        make(map[string]string),
	}
	for k, v := range extra {
		if v != "" {
			s.extra[k] = v
		}
	}
	return s
}

// bundleEntry is one element of the browser-exported cookie array format.
type bundleEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LoadBundle reads a credential bundle from disk. Two formats are
// accepted: a flat object keyed by cookie name, or an array of
// {name, value} objects as exported by browser tooling.
func LoadBundle(path, appID, webSessionID string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Newf(errors.ErrorTypeAuth, "failed to read session bundle %s: %v", path, err)
	}
	return ParseBundle(data, appID, webSessionID)
}

// ParseBundle builds a Session from raw bundle bytes.
func ParseBundle(data []byte, appID, webSessionID string) (*Session, error) {
	cookies := make(map[string]string)

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err == nil {
		cookies = flat
	} else {
		var entries []bundleEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, errors.Newf(errors.ErrorTypeAuth, "session bundle is not valid JSON: %v", err)
		}
		for _, e := range entries {
			cookies[e.Name] = e.Value
		}
	}

	extra := make(map[string]string)
	for _, name := range optionalCookies {
		if v := cookies[name]; v != "" {
			extra[name] = v
		}
	}

	s := New(
		cookies[CookieCSRFToken],
		cookies[CookieSessionID],
		cookies[CookieUserID],
		appID,
		webSessionID,
		extra,
	)
	return s, nil
}

// Validate fails fast when any field required for a page request is
// empty, so no request is ever sent with incomplete credentials.
func (s *Session) Validate() error {
	missing := make([]string, 0, 4)
	if s.CSRFToken == "" {
		missing = append(missing, CookieCSRFToken)
	}
	if s.SessionID == "" {
		missing = append(missing, CookieSessionID)
	}
	if s.UserID == "" {
		missing = append(missing, CookieUserID)
	}
	if s.AppID == "" {
		missing = append(missing, "app_id")
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeAuth, "session is missing required credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CookieHeader renders the Cookie header value. Required cookies come
// first in a fixed order, optional cookies follow sorted by name so the
// output is deterministic.
func (s *Session) CookieHeader() string {
	parts := []string{
		fmt.Sprintf("%s=%s", CookieCSRFToken, s.CSRFToken),
		fmt.Sprintf("%s=%s", CookieSessionID, s.SessionID),
		fmt.Sprintf("%s=%s", CookieUserID, s.UserID),
	}

	names := make([]string, 0, len(s.extra))
	for name := range s.extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, s.extra[name]))
	}

	return strings.Join(parts, "; ")
}
