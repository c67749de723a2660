package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var accountsBucket = []byte("accounts")

// Account holds what the CLI remembers about one chat server. Keyed by
// the API base URL so switching servers never reuses a foreign token.
type Account struct {
	APIURL             string    `json:"api_url"`
	Email              string    `json:"email,omitempty"`
	Token              string    `json:"token,omitempty"`
	TokenSavedAt       time.Time `json:"token_saved_at,omitempty"`
	LastConversationID int64     `json:"last_conversation_id,omitempty"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Account returns the stored account for apiURL. A missing entry yields
// a zero Account with APIURL set.
func (s *State) Account(apiURL string) (Account, error) {
	acct := Account{APIURL: apiURL}

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get([]byte(apiURL))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &acct)
	})

	return acct, err
}

// update applies fn to the stored account inside a single write
// transaction so concurrent CLI invocations cannot lose fields.
func (s *State) update(apiURL string, fn func(*Account)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)

		acct := Account{APIURL: apiURL}
		if v := b.Get([]byte(apiURL)); v != nil {
			if err := json.Unmarshal(v, &acct); err != nil {
				return fmt.Errorf("decoding account: %w", err)
			}
		}

		fn(&acct)

		data, err := json.Marshal(acct)
		if err != nil {
			return err
		}

		return b.Put([]byte(apiURL), data)
	})
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token(apiURL string) string {
	acct, err := s.Account(apiURL)
	if err != nil {
		return ""
	}

	return acct.Token
}

// SetToken persists the authentication token obtained by signing in.
func (s *State) SetToken(apiURL, email, token string) error {
	return s.update(apiURL, func(a *Account) {
		a.Email = email
		a.Token = token
		a.TokenSavedAt = time.Now().UTC()
	})
}

// ClearToken forgets a token the server rejected.
func (s *State) ClearToken(apiURL string) error {
	return s.update(apiURL, func(a *Account) {
		a.Token = ""
		a.TokenSavedAt = time.Time{}
	})
}

// LastConversation returns the conversation the user followed last, or 0.
func (s *State) LastConversation(apiURL string) int64 {
	acct, err := s.Account(apiURL)
	if err != nil {
		return 0
	}

	return acct.LastConversationID
}

// SetLastConversation remembers the conversation being followed.
func (s *State) SetLastConversation(apiURL string, conversationID int64) error {
	return s.update(apiURL, func(a *Account) {
		a.LastConversationID = conversationID
	})
}
