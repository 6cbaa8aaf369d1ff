package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory CredentialStore for exercising the Manager
type memoryStore struct {
	accounts map[string]*Account
	failing  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{accounts: make(map[string]*Account)}
}

func (m *memoryStore) Store(account *Account) error {
	if m.failing {
		return ErrStoreUnavailable
	}
	clone := *account
	m.accounts[account.Username] = &clone
	return nil
}

func (m *memoryStore) Retrieve(username string) (*Account, error) {
	if account, ok := m.accounts[username]; ok {
		return account, nil
	}
	return nil, ErrCredentialsNotFound
}

func (m *memoryStore) List() ([]*Account, error) {
	var out []*Account
	for _, account := range m.accounts {
		out = append(out, account)
	}
	return out, nil
}

func (m *memoryStore) Delete(username string) error {
	if _, ok := m.accounts[username]; !ok {
		return ErrCredentialsNotFound
	}
	delete(m.accounts, username)
	return nil
}

func (m *memoryStore) Exists(username string) bool {
	_, ok := m.accounts[username]
	return ok
}

func testAccount() *Account {
	return &Account{
		Username:  "operator",
		SessionID: "sess-value-123456",
		CSRFToken: "csrf-value-123456",
		DSUserID:  "42",
		ExtraCookies: map[string]string{
			"mid": "m-value",
		},
	}
}

func TestManagerStoreValidates(t *testing.T) {
	m := &Manager{stores: []CredentialStore{newMemoryStore()}}

	assert.Error(t, m.Store(&Account{SessionID: "s", CSRFToken: "c"}))
	assert.Error(t, m.Store(&Account{Username: "u", CSRFToken: "c"}))
	assert.Error(t, m.Store(&Account{Username: "u", SessionID: "s"}))
	assert.NoError(t, m.Store(testAccount()))
}

func TestManagerFallsBackToNextStore(t *testing.T) {
	broken := newMemoryStore()
	broken.failing = true
	working := newMemoryStore()
	m := &Manager{stores: []CredentialStore{broken, working}}

	require.NoError(t, m.Store(testAccount()))
	assert.True(t, working.Exists("operator"))

	account, err := m.Retrieve("operator")
	require.NoError(t, err)
	assert.Equal(t, "sess-value-123456", account.SessionID)
}

func TestManagerDelete(t *testing.T) {
	store := newMemoryStore()
	m := &Manager{stores: []CredentialStore{store}}
	require.NoError(t, m.Store(testAccount()))

	require.NoError(t, m.Delete("operator"))
	_, err := m.Retrieve("operator")
	assert.Error(t, err)

	assert.Error(t, m.Delete("ghost"))
}

func TestAccountSession(t *testing.T) {
	account := testAccount()
	s := account.Session("936619743392459", "web-id")

	require.NoError(t, s.Validate())
	assert.Equal(t, "csrf-value-123456", s.CSRFToken)
	assert.Equal(t, "42", s.UserID)
	assert.Contains(t, s.CookieHeader(), "mid=m-value")
}

func TestSanitizeAccountMasks(t *testing.T) {
	masked := SanitizeAccount(testAccount())
	assert.Equal(t, "sess...3456", masked.SessionID)
	assert.Equal(t, "csrf...3456", masked.CSRFToken)
	assert.Equal(t, "operator", masked.Username)

	assert.Nil(t, SanitizeAccount(nil))
	assert.Equal(t, "********", maskString("short"))
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	t.Setenv("IGHARVEST_PASSPHRASE", "test-passphrase")

	store, err := NewEncryptedFileStore(filepath.Join(t.TempDir(), "credentials.enc"))
	require.NoError(t, err)

	require.NoError(t, store.Store(testAccount()))

	account, err := store.Retrieve("operator")
	require.NoError(t, err)
	assert.Equal(t, "sess-value-123456", account.SessionID)
	assert.Equal(t, map[string]string{"mid": "m-value"}, account.ExtraCookies)

	accounts, err := store.List()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestEncryptedStoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.enc")

	t.Setenv("IGHARVEST_PASSPHRASE", "first")
	store, err := NewEncryptedFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Store(testAccount()))

	t.Setenv("IGHARVEST_PASSPHRASE", "second")
	store2, err := NewEncryptedFileStore(path)
	require.NoError(t, err)

	_, err = store2.Retrieve("operator")
	assert.Error(t, err)
}

func TestEncryptedStoreDeleteLastRemovesFile(t *testing.T) {
	t.Setenv("IGHARVEST_PASSPHRASE", "test-passphrase")

	path := filepath.Join(t.TempDir(), "credentials.enc")
	store, err := NewEncryptedFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Store(testAccount()))
	require.NoError(t, store.Delete("operator"))

	assert.False(t, store.Exists("operator"))
}

func TestEnvironmentStore(t *testing.T) {
	store := NewEnvironmentStore()

	_, err := store.Retrieve("")
	assert.Error(t, err)

	t.Setenv("IGHARVEST_SESSION_ID", "env-session")
	t.Setenv("IGHARVEST_CSRF_TOKEN", "env-csrf")
	t.Setenv("IGHARVEST_DS_USER_ID", "77")

	account, err := store.Retrieve("")
	require.NoError(t, err)
	assert.Equal(t, "default", account.Username)
	assert.Equal(t, "env-session", account.SessionID)
	assert.Equal(t, "77", account.DSUserID)

	assert.Error(t, store.Store(account))
	assert.Error(t, store.Delete("default"))
	assert.True(t, store.Exists(""))
}
