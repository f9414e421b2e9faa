package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

type recordingSessions struct {
	mu        sync.Mutex
	started   []string
	completed map[string]map[string]any
	err       error
}

func (r *recordingSessions) MarkRemoteStarted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, id)
	return nil
}

func (r *recordingSessions) CompleteRemote(_ context.Context, id string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.completed == nil {
		r.completed = make(map[string]map[string]any)
	}
	r.completed[id] = data
	return nil
}

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens([]byte("test-secret"), WithTTL(time.Minute))
	require.NoError(t, err)
	return tokens
}

func TestTokens_IssueAndVerify(t *testing.T) {
	tokens := newTestTokens(t)
	tok, err := tokens.Issue("s1")
	require.NoError(t, err)

	require.NoError(t, tokens.Verify(tok, "s1"))
	assert.Error(t, tokens.Verify(tok, "s2"), "token is bound to its session")
	assert.Error(t, tokens.Verify("", "s1"))
	assert.Error(t, tokens.Verify("not-a-jwt", "s1"))
}

func TestTokens_RejectsOtherSecret(t *testing.T) {
	other, err := NewTokens([]byte("another-secret"))
	require.NoError(t, err)
	tok, err := other.Issue("s1")
	require.NoError(t, err)

	assert.Error(t, newTestTokens(t).Verify(tok, "s1"))
}

func TestTokens_Expiry(t *testing.T) {
	tokens := newTestTokens(t)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }
	tok, err := tokens.Issue("s1")
	require.NoError(t, err)

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	assert.Error(t, tokens.Verify(tok, "s1"))
}

func TestTokens_RequiresBridgeScope(t *testing.T) {
	tokens := newTestTokens(t)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "s1",
			Issuer:    "opflow",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Scope: "admin",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	err = tokens.Verify(tok, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope")
}

func TestTokens_IssuerMustMatch(t *testing.T) {
	staging, err := NewTokens([]byte("test-secret"), WithIssuer("opflow-staging"))
	require.NoError(t, err)
	tok, err := staging.Issue("s1")
	require.NoError(t, err)

	require.NoError(t, staging.Verify(tok, "s1"))
	assert.Error(t, newTestTokens(t).Verify(tok, "s1"), "default issuer rejects a foreign one")

	fallback, err := NewTokens([]byte("test-secret"), WithIssuer(""))
	require.NoError(t, err)
	assert.Equal(t, "opflow", fallback.issuer)
}

func TestNewTokens_EmptySecret(t *testing.T) {
	_, err := NewTokens(nil)
	assert.Error(t, err)
}

func TestBridge_ValidTokenReachesSessions(t *testing.T) {
	tokens := newTestTokens(t)
	sessions := &recordingSessions{}
	b := New(sessions, tokens, nil)
	tok, err := tokens.Issue("s1")
	require.NoError(t, err)

	require.NoError(t, b.OnStarted(context.Background(), "s1", tok))
	require.NoError(t, b.OnCompleted(context.Background(), "s1", tok, map[string]any{"ok": true}))

	assert.Equal(t, []string{"s1"}, sessions.started)
	assert.Equal(t, map[string]any{"ok": true}, sessions.completed["s1"])
}

func TestBridge_BadTokenNeverTouchesSessions(t *testing.T) {
	tokens := newTestTokens(t)
	sessions := &recordingSessions{}
	b := New(sessions, tokens, nil)
	forOther, err := tokens.Issue("s2")
	require.NoError(t, err)

	for _, tok := range []string{"", "garbage", forOther} {
		err := b.OnStarted(context.Background(), "s1", tok)
		assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))
		err = b.OnCompleted(context.Background(), "s1", tok, nil)
		assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))
	}
	assert.Empty(t, sessions.started)
	assert.Empty(t, sessions.completed)
}

func TestBridge_SessionErrorsPassThrough(t *testing.T) {
	tokens := newTestTokens(t)
	sessions := &recordingSessions{err: schema.NewError(schema.ErrCodeNotFound, `session "s1" not found`)}
	b := New(sessions, tokens, nil)
	tok, err := tokens.Issue("s1")
	require.NoError(t, err)

	err = b.OnStarted(context.Background(), "s1", tok)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestBridge_RequiresSessionID(t *testing.T) {
	b := New(&recordingSessions{}, newTestTokens(t), nil)
	err := b.OnStarted(context.Background(), "", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
