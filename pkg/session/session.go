package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Principal is the authenticated identity carried by a session.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Record is the credential bundle shared between contexts. Records are
// values: a refresh produces a new Record, nothing edits one in place.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Principal    Principal
	// SyncedAt is when the record was last written to the shared store.
	SyncedAt time.Time
}

// Valid reports whether the record is still usable at now. A record whose
// expiry equals now is already expired.
func (r *Record) Valid(now time.Time) bool {
	return r != nil && r.ExpiresAt.After(now)
}

// Remaining returns the lifetime left at now, zero when expired.
func (r *Record) Remaining(now time.Time) time.Duration {
	if !r.Valid(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// wireRecord is the JSON shape written to the store and the broadcast
// channel. expires_at is epoch seconds, synced_at epoch milliseconds.
type wireRecord struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    int64      `json:"expires_at"`
	User         *Principal `json:"user"`
	SyncedAt     int64      `json:"synced_at,omitempty"`
}

// MarshalJSON encodes the record in its wire shape.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt.Unix(),
		User:         &Principal{ID: r.Principal.ID, Email: r.Principal.Email},
	}
	if !r.SyncedAt.IsZero() {
		w.SyncedAt = r.SyncedAt.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape. Records without an access token,
// an expiry or a principal id are rejected as corrupt.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreCorruption, err)
	}
	switch {
	case w.AccessToken == "":
		return fmt.Errorf("%w: missing access_token", ErrRestoreCorruption)
	case w.ExpiresAt <= 0:
		return fmt.Errorf("%w: missing expires_at", ErrRestoreCorruption)
	case w.User == nil || w.User.ID == "":
		return fmt.Errorf("%w: missing user id", ErrRestoreCorruption)
	}

	*r = Record{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresAt:    time.Unix(w.ExpiresAt, 0),
		Principal:    *w.User,
	}
	if w.SyncedAt > 0 {
		r.SyncedAt = time.UnixMilli(w.SyncedAt)
	}
	return nil
}

// Encode serializes a record for storage or transport.
func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a stored record. Any failure wraps ErrRestoreCorruption.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		if errors.Is(err, ErrRestoreCorruption) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRestoreCorruption, err)
	}
	return &r, nil
}
