package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/coldstore/settlement"
)

func credentials(t *testing.T) []Credential {
	t.Helper()
	admin, err := bcrypt.GenerateFromPassword([]byte("admin-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	clerk, err := bcrypt.GenerateFromPassword([]byte("clerk-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	return []Credential{
		{Username: "admin", PasswordHash: string(admin), Role: settlement.RoleAdmin},
		{Username: "clerk", PasswordHash: string(clerk), Role: settlement.RoleOperator},
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// storeCases runs the same behavior against both stores.
func storeCases(t *testing.T) map[string]Store {
	rs, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestManager_LoginResolveLogout(t *testing.T) {
	for name, store := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: An admin and an operator credential
			// WHEN: The operator logs in and the token is resolved
			// THEN: The session carries the operator actor until logout

			ctx := context.Background()
			m := NewManager(store, time.Hour, credentials(t)...)

			s, err := m.Login(ctx, "clerk", "clerk-pw")
			require.NoError(t, err)
			assert.NotEmpty(t, s.Token)
			assert.NotEmpty(t, s.ID)
			assert.Equal(t, settlement.RoleOperator, s.Actor.Role)

			got, err := m.Resolve(ctx, s.Token)
			require.NoError(t, err)
			assert.Equal(t, s.Actor, got.Actor)
			assert.False(t, got.Actor.IsAdmin())

			require.NoError(t, m.Logout(ctx, s.Token))
			_, err = m.Resolve(ctx, s.Token)
			assert.ErrorIs(t, err, ErrNoSession)

			assert.NoError(t, m.Logout(ctx, s.Token), "logout is idempotent")
		})
	}
}

func TestManager_RejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Hour, credentials(t)...)

	_, err := m.Login(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Login(ctx, "nobody", "admin-pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.Resolve(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestManager_SessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Hour, credentials(t)...)

	a, err := m.Login(ctx, "admin", "admin-pw")
	require.NoError(t, err)
	b, err := m.Login(ctx, "admin", "admin-pw")
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)

	require.NoError(t, m.Logout(ctx, a.Token))
	_, err = m.Resolve(ctx, b.Token)
	assert.NoError(t, err)
}

func TestManager_Expiry(t *testing.T) {
	// GIVEN: A session with a one-minute lifetime
	// WHEN: The clock moves past it
	// THEN: The token no longer resolves

	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, time.Minute, credentials(t)...)

	s, err := m.Login(ctx, "admin", "admin-pw")
	require.NoError(t, err)

	later := s.ExpiresAt.Add(time.Second)
	m.now = func() time.Time { return later }
	store.now = func() time.Time { return later }

	_, err = m.Resolve(ctx, s.Token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRedisStore_TTL(t *testing.T) {
	// GIVEN: A session saved to Redis
	// WHEN: Redis time passes the session lifetime
	// THEN: The key is gone

	ctx := context.Background()
	store, mr := newRedisStore(t)
	m := NewManager(store, 10*time.Minute, credentials(t)...)

	s, err := m.Login(ctx, "admin", "admin-pw")
	require.NoError(t, err)
	assert.True(t, mr.Exists(defaultKeyPrefix+s.Token))
	assert.InDelta(t, (10 * time.Minute).Seconds(), mr.TTL(defaultKeyPrefix+s.Token).Seconds(), 5)

	mr.FastForward(11 * time.Minute)
	_, err = store.Get(ctx, s.Token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "x")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSession)
	assert.Error(t, store.Ping(context.Background()))
}

func TestContextActor(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), settlement.Actor{ID: "admin", Role: settlement.RoleAdmin})
	a, ok := ActorFrom(ctx)
	require.True(t, ok)
	assert.True(t, a.IsAdmin())
}
