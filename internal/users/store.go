// Package users manages the kiosk's local user accounts: a small JSON
// document of password-hash records behind the lock-protected atomic
// store. Passwords are hashed with salted, iterated PBKDF2-SHA256 and
// verified in constant time.
package users

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/stationboard/stationboard/internal/storage"
)

const (
	hashAlgo       = "pbkdf2_sha256"
	hashIterations = 200000
	saltBytes      = 16
	minPasswordLen = 8
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

// Validation failures reported to callers. Prior state is always
// preserved when one of these is returned.
var (
	ErrUsernameInvalid = errors.New("username must be 3-32 characters (letters, numbers, ., -, _) and start with a letter or number")
	ErrPasswordTooWeak = errors.New("password must be at least 8 characters")
	ErrUserExists      = errors.New("username already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrLastUser        = errors.New("at least one user must remain")
)

// PasswordHash is the stored one-way hash record for one account.
type PasswordHash struct {
	Algo       string `json:"algo"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Hash       string `json:"hash"`
}

// Preferences holds per-user display preferences, coerced to known
// values on every read and write.
type Preferences struct {
	Theme            string `json:"theme"`
	SidebarSide      string `json:"sidebar_side"`
	SidebarCollapsed bool   `json:"sidebar_collapsed"`
	AvatarDataURL    string `json:"avatar_data_url"`
}

// DefaultPreferences returns the preference values new accounts start with.
func DefaultPreferences() Preferences {
	return Preferences{Theme: "light", SidebarSide: "left"}
}

func (p Preferences) normalized() Preferences {
	if p.Theme != "light" && p.Theme != "dark" {
		p.Theme = "light"
	}
	if p.SidebarSide != "left" && p.SidebarSide != "right" {
		p.SidebarSide = "left"
	}
	return p
}

// Record is one stored user account.
type Record struct {
	Username           string       `json:"username"`
	Password           PasswordHash `json:"password"`
	CreatedAt          string       `json:"created_at"`
	UpdatedAt          string       `json:"updated_at"`
	MustChangePassword bool         `json:"must_change_password"`
	Preferences        Preferences  `json:"preferences"`
}

// Summary is the listing view of an account, without the hash record.
type Summary struct {
	Username           string `json:"username"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
	MustChangePassword bool   `json:"must_change_password"`
}

// Credentials is the one-time bootstrap result. The password is random
// and never retrievable again.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type document struct {
	Users []Record `json:"users"`
}

// Store persists user accounts. Every access re-reads the document;
// mutations run under the store's advisory file lock.
type Store struct {
	file *storage.Store
	now  func() time.Time
}

// NewStore returns a Store backed by the JSON document at path.
func NewStore(path string) *Store {
	return &Store{file: storage.New(path), now: time.Now}
}

func (s *Store) load() document {
	var doc document
	_ = s.file.Load(&doc)
	return doc
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// NormalizeUsername trims and lower-cases a username the way the store
// keys accounts.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrUsernameInvalid
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen {
		return ErrPasswordTooWeak
	}
	return nil
}

func hashPassword(password string) PasswordHash {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failure means the platform is unusable; there is no
		// meaningful fallback for key material.
		panic(err)
	}
	digest := pbkdf2.Key([]byte(password), salt, hashIterations, sha256.Size, sha256.New)
	return PasswordHash{
		Algo:       hashAlgo,
		Iterations: hashIterations,
		Salt:       hex.EncodeToString(salt),
		Hash:       hex.EncodeToString(digest),
	}
}

func verifyPassword(password string, record PasswordHash) bool {
	if record.Algo != hashAlgo || record.Iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(record.Salt)
	if err != nil || len(salt) == 0 {
		return false
	}
	expected, err := hex.DecodeString(record.Hash)
	if err != nil || len(expected) == 0 {
		return false
	}
	candidate := pbkdf2.Key([]byte(password), salt, record.Iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(candidate, expected) == 1
}

// EnsureDefault bootstraps the admin account when the store is empty.
// The generated password is returned exactly once; subsequent calls
// return nil.
func (s *Store) EnsureDefault() (*Credentials, error) {
	var creds *Credentials
	err := s.file.WithLock(func() error {
		doc := s.load()
		if len(doc.Users) > 0 {
			return nil
		}
		password := randomPassword()
		now := s.timestamp()
		doc.Users = []Record{{
			Username:           "admin",
			Password:           hashPassword(password),
			CreatedAt:          now,
			UpdatedAt:          now,
			MustChangePassword: true,
			Preferences:        DefaultPreferences(),
		}}
		if err := s.file.Save(doc); err != nil {
			return err
		}
		creds = &Credentials{Username: "admin", Password: password}
		return nil
	})
	return creds, err
}

func randomPassword() string {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// List returns account summaries sorted by username.
func (s *Store) List() []Summary {
	doc := s.load()
	summaries := make([]Summary, 0, len(doc.Users))
	for _, u := range doc.Users {
		if u.Username == "" {
			continue
		}
		summaries = append(summaries, Summary{
			Username:           u.Username,
			CreatedAt:          u.CreatedAt,
			UpdatedAt:          u.UpdatedAt,
			MustChangePassword: u.MustChangePassword,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Username < summaries[j].Username })
	return summaries
}

// Get returns the stored record for username.
func (s *Store) Get(username string) (Record, bool) {
	normalized := NormalizeUsername(username)
	for _, u := range s.load().Users {
		if NormalizeUsername(u.Username) == normalized {
			return u, true
		}
	}
	return Record{}, false
}

// Verify checks a username/password pair and returns the record on
// success.
func (s *Store) Verify(username, password string) (Record, bool) {
	user, ok := s.Get(username)
	if !ok {
		return Record{}, false
	}
	if !verifyPassword(password, user.Password) {
		return Record{}, false
	}
	return user, true
}

// Add creates a new account after validating the username and password.
func (s *Store) Add(username, password string) error {
	normalized := NormalizeUsername(username)
	if err := validateUsername(normalized); err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}
	return s.file.WithLock(func() error {
		doc := s.load()
		for _, u := range doc.Users {
			if NormalizeUsername(u.Username) == normalized {
				return ErrUserExists
			}
		}
		now := s.timestamp()
		doc.Users = append(doc.Users, Record{
			Username:    normalized,
			Password:    hashPassword(password),
			CreatedAt:   now,
			UpdatedAt:   now,
			Preferences: DefaultPreferences(),
		})
		return s.file.Save(doc)
	})
}

// SetPassword replaces an account's password and clears the
// must-change flag.
func (s *Store) SetPassword(username, password string) error {
	normalized := NormalizeUsername(username)
	if err := validatePassword(password); err != nil {
		return err
	}
	return s.file.WithLock(func() error {
		doc := s.load()
		for i := range doc.Users {
			if NormalizeUsername(doc.Users[i].Username) != normalized {
				continue
			}
			doc.Users[i].Password = hashPassword(password)
			doc.Users[i].UpdatedAt = s.timestamp()
			doc.Users[i].MustChangePassword = false
			return s.file.Save(doc)
		}
		return ErrUserNotFound
	})
}

// Remove deletes an account. The last remaining account can never be
// removed.
func (s *Store) Remove(username string) error {
	normalized := NormalizeUsername(username)
	return s.file.WithLock(func() error {
		doc := s.load()
		remaining := make([]Record, 0, len(doc.Users))
		for _, u := range doc.Users {
			if NormalizeUsername(u.Username) != normalized {
				remaining = append(remaining, u)
			}
		}
		if len(remaining) == len(doc.Users) {
			return ErrUserNotFound
		}
		if len(remaining) == 0 {
			return ErrLastUser
		}
		doc.Users = remaining
		return s.file.Save(doc)
	})
}

// GetPreferences returns an account's preferences, coerced to known
// values. Unknown accounts get the defaults.
func (s *Store) GetPreferences(username string) Preferences {
	user, ok := s.Get(username)
	if !ok {
		return DefaultPreferences()
	}
	return user.Preferences.normalized()
}

// PreferenceUpdates carries a partial preference update; nil fields are
// left unchanged.
type PreferenceUpdates struct {
	Theme            *string `json:"theme"`
	SidebarSide      *string `json:"sidebar_side"`
	SidebarCollapsed *bool   `json:"sidebar_collapsed"`
	AvatarDataURL    *string `json:"avatar_data_url"`
}

// UpdatePreferences applies a partial update to an account's
// preferences and returns the result.
func (s *Store) UpdatePreferences(username string, updates PreferenceUpdates) (Preferences, error) {
	normalized := NormalizeUsername(username)
	var result Preferences
	err := s.file.WithLock(func() error {
		doc := s.load()
		for i := range doc.Users {
			if NormalizeUsername(doc.Users[i].Username) != normalized {
				continue
			}
			prefs := doc.Users[i].Preferences.normalized()
			if updates.Theme != nil {
				prefs.Theme = *updates.Theme
			}
			if updates.SidebarSide != nil {
				prefs.SidebarSide = *updates.SidebarSide
			}
			if updates.SidebarCollapsed != nil {
				prefs.SidebarCollapsed = *updates.SidebarCollapsed
			}
			if updates.AvatarDataURL != nil {
				prefs.AvatarDataURL = *updates.AvatarDataURL
			}
			doc.Users[i].Preferences = prefs.normalized()
			doc.Users[i].UpdatedAt = s.timestamp()
			result = doc.Users[i].Preferences
			return s.file.Save(doc)
		}
		return ErrUserNotFound
	})
	if err != nil {
		return DefaultPreferences(), err
	}
	return result, nil
}
