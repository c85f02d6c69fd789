package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelapps/authsync/pkg/session"
)

func TestMemoryProvider_LoginRefreshLogout(t *testing.T) {
	dir := NewMemoryProvider(time.Hour)
	principal := dir.AddUser("ada@reelapps.co.za", "secret")
	p := dir.Session()
	ctx := context.Background()

	_, err := p.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	rec, err := p.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, principal, rec.Principal)

	refreshed, err := p.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, rec.AccessToken, refreshed.AccessToken)
	assert.Equal(t, principal, refreshed.Principal)
	assert.Equal(t, 2, dir.Issued())

	require.NoError(t, p.Logout(ctx))
	current, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	_, err = p.Refresh(ctx)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestMemoryProvider_SessionsAreIndependent(t *testing.T) {
	dir := NewMemoryProvider(time.Hour)
	dir.AddUser("ada@reelapps.co.za", "secret")
	a, b := dir.Session(), dir.Session()
	ctx := context.Background()

	rec, err := a.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)

	current, err := b.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	require.NoError(t, b.Adopt(ctx, *rec))
	current, err = b.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, rec.AccessToken, current.AccessToken)

	// Revocation through one handle is visible to the other.
	require.NoError(t, a.Logout(ctx))
	current, err = b.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestMemoryProvider_Expiry(t *testing.T) {
	now := time.Now()
	dir := NewMemoryProvider(time.Minute).WithClock(func() time.Time { return now })
	dir.AddUser("ada@reelapps.co.za", "secret")
	p := dir.Session()
	ctx := context.Background()

	_, err := p.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	current, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current, "a record expiring exactly now is expired")
}

func TestMemoryProvider_Signup(t *testing.T) {
	dir := NewMemoryProvider(time.Hour)
	p := dir.Session()
	ctx := context.Background()
	creds := Credentials{Email: "new@reelapps.co.za", Password: "pw"}

	rec, err := p.Signup(ctx, creds, SignupProfile{Role: session.RoleRecruiter})
	require.NoError(t, err)
	assert.Equal(t, "new@reelapps.co.za", rec.Principal.Email)

	_, err = p.Signup(ctx, creds, SignupProfile{})
	assert.ErrorIs(t, err, ErrUserExists)
}
