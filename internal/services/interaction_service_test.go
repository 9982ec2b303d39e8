package services

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	vredis "github.com/Gopher0727/Vela/internal/pkg/redis"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func newRegistry(t *testing.T, mr *miniredis.Miniredis) *InteractionRegistry {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r, err := NewInteractionRegistry(testSigningKey, vredis.Wrap(rdb))
	require.NoError(t, err)
	r.Register(AllHandlerKinds...)
	return r
}

func TestRegistry_IssueResolve(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	ctx := context.Background()

	token, err := r.Issue(IssueRequest{
		Kind:      KindAdminAction,
		GuildID:   testGuild,
		SubjectID: testUser,
		Action:    AdminActionDemote,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(token), MaxTokenLength)

	res, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, KindAdminAction, res.Kind)
	assert.Equal(t, testGuild, res.GuildID)
	assert.Equal(t, testUser, res.SubjectID)
	assert.Equal(t, AdminActionDemote, res.Action)
	assert.True(t, res.ExpiresAt.IsZero())

	// 可复用令牌可以反复解析
	_, err = r.Resolve(ctx, token)
	require.NoError(t, err)
}

func TestRegistry_ResolvesAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	before := newRegistry(t, mr)

	token, err := before.Issue(IssueRequest{Kind: KindOnboardingStart, GuildID: testGuild})
	require.NoError(t, err)
	want, err := before.Resolve(context.Background(), token)
	require.NoError(t, err)

	after := newRegistry(t, mr)
	got, err := after.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRegistry_SingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	ctx := context.Background()

	token, err := r.Issue(IssueRequest{Kind: KindOnboardingSubmit, GuildID: testGuild, SubjectID: testUser, SingleUse: true})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.True(t, res.SingleUse)
	assert.False(t, res.ExpiresAt.IsZero(), "single-use tokens always expire")

	_, err = r.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrExpired)

	// 另一个实例共享已使用集合
	_, err = newRegistry(t, mr).Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrExpired)

	key := consumedKey(testGuild, res.TokenID)
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestRegistry_Expired(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	now := time.Now()
	r.now = func() time.Time { return now }

	token, err := r.Issue(IssueRequest{Kind: KindInfo, GuildID: testGuild, TTL: time.Minute})
	require.NoError(t, err)

	r.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestRegistry_UnknownHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	token, err := r.Issue(IssueRequest{Kind: KindHelp, GuildID: testGuild})
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	limited, err := NewInteractionRegistry(testSigningKey, vredis.Wrap(rdb))
	require.NoError(t, err)
	limited.Register(KindOnboardingStart, KindOnboardingSubmit)

	assert.False(t, limited.Registered(KindHelp))
	_, err = limited.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestRegistry_UnknownHandlerDoesNotConsume(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	token, err := r.Issue(IssueRequest{Kind: KindOnboardingSubmit, GuildID: testGuild, SingleUse: true})
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	limited, _ := NewInteractionRegistry(testSigningKey, vredis.Wrap(rdb))
	_, err = limited.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownHandler)

	_, err = r.Resolve(context.Background(), token)
	assert.NoError(t, err)
}

func TestRegistry_RejectsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	ctx := context.Background()

	for _, token := range []string{"", "v1.", "v2.AAAA", "vela:onboard", "v1.!!!!", "v1." + base64.RawURLEncoding.EncodeToString(make([]byte, 52))} {
		_, err := r.Resolve(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestRegistry_WrongKey(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	token, err := r.Issue(IssueRequest{Kind: KindInfo, GuildID: testGuild})
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	other, err := NewInteractionRegistry([]byte("fedcba9876543210fedcba9876543210"), vredis.Wrap(rdb))
	require.NoError(t, err)
	other.Register(AllHandlerKinds...)

	_, err = other.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegistry_IssueValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)

	_, err := r.Issue(IssueRequest{Kind: KindInfo, GuildID: "not-a-guild"})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = r.Issue(IssueRequest{Kind: KindAdminAction, GuildID: testGuild, SubjectID: testUser})
	assert.Equal(t, KindValidation, KindOf(err))
	for _, kind := range []HandlerKind{0, KindAdminAction + 1, 255} {
		_, err = r.Issue(IssueRequest{Kind: kind, GuildID: testGuild})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "kind %d", kind)
		assert.Equal(t, "kind", verr.Field)
	}

	_, err = NewInteractionRegistry([]byte("short"), nil)
	assert.Error(t, err)
}

func TestRegistry_ConsumedSetUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	token, err := r.Issue(IssueRequest{Kind: KindOnboardingSubmit, GuildID: testGuild, SingleUse: true})
	require.NoError(t, err)

	mr.SetError("LOADING redis is loading")
	_, err = r.Resolve(context.Background(), token)
	assert.True(t, Retryable(err))
}

// 任意字段组合都能还原；翻转任意一位都会被识别为无效令牌
func TestProperty_TokenRoundTripAndTamper(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t, mr)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		req := IssueRequest{
			Kind:    AllHandlerKinds[rapid.IntRange(0, len(AllHandlerKinds)-1).Draw(rt, "kind")],
			GuildID: rapid.StringMatching(`[1-9][0-9]{16,18}`).Draw(rt, "guild"),
			TTL:     time.Duration(rapid.IntRange(0, 86400).Draw(rt, "ttl")) * time.Second,
		}
		if rapid.Bool().Draw(rt, "subject") {
			req.SubjectID = rapid.StringMatching(`[1-9][0-9]{16,18}`).Draw(rt, "subject_id")
		}
		if req.Kind == KindAdminAction {
			req.Action = AdminAction(rapid.IntRange(1, 3).Draw(rt, "action"))
		}

		token, err := r.Issue(req)
		if err != nil {
			rt.Fatalf("issue: %v", err)
		}
		if len(token) > MaxTokenLength {
			rt.Fatalf("token too long: %d", len(token))
		}

		res, err := r.Resolve(ctx, token)
		if err != nil {
			rt.Fatalf("resolve: %v", err)
		}
		if res.Kind != req.Kind || res.GuildID != req.GuildID || res.SubjectID != req.SubjectID || res.Action != req.Action {
			rt.Fatalf("round trip mismatch: %+v vs %+v", res, req)
		}

		raw, _ := base64.RawURLEncoding.DecodeString(token[len(tokenPrefix):])
		bit := rapid.IntRange(0, len(raw)*8-1).Draw(rt, "bit")
		raw[bit/8] ^= 1 << (bit % 8)
		tampered := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
		if _, err := r.Resolve(ctx, tampered); KindOf(err) != KindInvalidToken {
			rt.Fatalf("tampered token accepted: %v", err)
		}
	})
}
