package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"igharvest/pkg/errors"
)

func TestParseBundleFlatFormat(t *testing.T) {
	data := []byte(`{
		"csrftoken": "tok123",
		"sessionid": "sess456",
		"ds_user_id": "789",
		"mid": "midvalue",
		"ig_did": "DID-1"
	}`)

	s, err := ParseBundle(data, "936619743392459", "aa:bb:cc")
	require.NoError(t, err)

	assert.Equal(t, "tok123", s.CSRFToken)
	assert.Equal(t, "sess456", s.SessionID)
	assert.Equal(t, "789", s.UserID)
	assert.Equal(t, "936619743392459", s.AppID)
	assert.Equal(t, "aa:bb:cc", s.WebSessionID)
	assert.NoError(t, s.Validate())
}

func TestParseBundleArrayFormat(t *testing.T) {
	data := []byte(`[
		{"name": "csrftoken", "value": "tok123"},
		{"name": "sessionid", "value": "sess456"},
		{"name": "ds_user_id", "value": "789"},
		{"name": "datr", "value": "datrvalue"}
	]`)

	s, err := ParseBundle(data, "app", "")
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	header := s.CookieHeader()
	assert.Contains(t, header, "csrftoken=tok123")
	assert.Contains(t, header, "datr=datrvalue")
}

func TestParseBundleInvalidJSON(t *testing.T) {
	_, err := ParseBundle([]byte("not json"), "app", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypeAuth))
}

func TestValidateMissingCredentials(t *testing.T) {
	tests := []struct {
		name    string
		session *Session
		wantErr bool
	}{
		{
			name:    "complete",
			session: New("tok", "sess", "123", "app", "", nil),
			wantErr: false,
		},
		{
			name:    "missing csrf",
			session: New("", "sess", "123", "app", "", nil),
			wantErr: true,
		},
		{
			name:    "missing session id",
			session: New("tok", "", "123", "app", "", nil),
			wantErr: true,
		},
		{
			name:    "missing user id",
			session: New("tok", "sess", "", "app", "", nil),
			wantErr: true,
		},
		{
			name:    "missing app id",
			session: New("tok", "sess", "123", "", "", nil),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrorTypeAuth), "validation failures must be auth errors")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCookieHeaderDeterministic(t *testing.T) {
	extra := map[string]string{"mid": "m", "datr": "d", "ig_did": "i"}
	s := New("tok", "sess", "123", "app", "", extra)

	first := s.CookieHeader()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.CookieHeader())
	}
	assert.Equal(t, "csrftoken=tok; sessionid=sess; ds_user_id=123; datr=d; ig_did=i; mid=m", first)
}

func TestLoadBundleMissingFile(t *testing.T) {
	_, err := LoadBundle(filepath.Join(t.TempDir(), "absent.json"), "app", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypeAuth))
}

func TestLoadBundleFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_data.json")
	content := `{"csrftoken": "c", "sessionid": "s", "ds_user_id": "1"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	s, err := LoadBundle(path, "app", "")
	require.NoError(t, err)
	assert.NoError(t, s.Validate())
}
