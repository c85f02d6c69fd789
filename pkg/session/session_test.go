package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name   string
		record *Record
		want   bool
	}{
		{"nil record", nil, false},
		{"expires in future", &Record{ExpiresAt: now.Add(time.Second)}, true},
		{"expires exactly now", &Record{ExpiresAt: now}, false},
		{"already expired", &Record{ExpiresAt: now.Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Valid(now))
		})
	}
}

func TestRecord_Remaining(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := &Record{ExpiresAt: now.Add(90 * time.Second)}
	assert.Equal(t, 90*time.Second, r.Remaining(now))
	assert.Equal(t, time.Duration(0), r.Remaining(now.Add(time.Hour)))
}

func TestEncode_WireShape(t *testing.T) {
	r := Record{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Unix(1_700_003_600, 0),
		Principal:    Principal{ID: "u1", Email: "a@reelapps.co.za"},
		SyncedAt:     time.UnixMilli(1_700_000_000_123),
	}

	data, err := Encode(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"access_token": "access",
		"refresh_token": "refresh",
		"expires_at": 1700003600,
		"user": {"id": "u1", "email": "a@reelapps.co.za"},
		"synced_at": 1700000000123
	}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, r.Principal, decoded.Principal)
	assert.True(t, r.ExpiresAt.Equal(decoded.ExpiresAt))
	assert.True(t, r.SyncedAt.Equal(decoded.SyncedAt))
}

func TestDecode_Corruption(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"empty", ``},
		{"truncated", `{"access_token": "a", "expires_at"`},
		{"wrong type", `[]`},
		{"missing access token", `{"expires_at": 1, "user": {"id": "u1"}}`},
		{"missing expiry", `{"access_token": "a", "user": {"id": "u1"}}`},
		{"missing user", `{"access_token": "a", "expires_at": 1}`},
		{"empty user id", `{"access_token": "a", "expires_at": 1, "user": {"email": "x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRestoreCorruption), "got %v", err)
		})
	}
}

func TestDecode_WithoutSyncedAt(t *testing.T) {
	r, err := Decode([]byte(`{"access_token":"a","refresh_token":"b","expires_at":1700003600,"user":{"id":"u1","email":"e"}}`))
	require.NoError(t, err)
	assert.True(t, r.SyncedAt.IsZero())
	assert.Equal(t, "b", r.RefreshToken)
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleCandidate.Valid())
	assert.True(t, RoleRecruiter.Valid())
	assert.False(t, Role("superuser").Valid())
}
