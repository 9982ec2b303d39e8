package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Gopher0727/Vela/internal/metrics"
)

// HandlerKind 交互令牌指向的处理器，集合封闭
type HandlerKind uint8

const (
	KindOnboardingStart HandlerKind = iota + 1
	KindOnboardingSubmit
	KindInfo
	KindHelp
	KindAdminAction
)

// AllHandlerKinds 当前版本实现的全部处理器
var AllHandlerKinds = []HandlerKind{KindOnboardingStart, KindOnboardingSubmit, KindInfo, KindHelp, KindAdminAction}

func (k HandlerKind) String() string {
	switch k {
	case KindOnboardingStart:
		return "onboarding-start"
	case KindOnboardingSubmit:
		return "onboarding-submit"
	case KindInfo:
		return "info"
	case KindHelp:
		return "help"
	case KindAdminAction:
		return "admin-action"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// AdminAction admin-action 令牌携带的具体操作
type AdminAction uint8

const (
	AdminActionNone AdminAction = iota
	AdminActionApprove
	AdminActionDemote
	AdminActionRemove
)

func (a AdminAction) String() string {
	switch a {
	case AdminActionApprove:
		return "approve"
	case AdminActionDemote:
		return "demote"
	case AdminActionRemove:
		return "remove"
	default:
		return "none"
	}
}

const (
	tokenPrefix  = "v1."
	tokenVersion = 1

	flagSingleUse  = 1 << 0
	flagHasExpiry  = 1 << 1
	flagHasSubject = 1 << 2

	payloadSize = 36
	macSize     = 16

	// MaxTokenLength Discord custom_id 的上限
	MaxTokenLength = 100

	defaultSingleUseTTL = 15 * time.Minute
)

// ConsumedSet 单次令牌的已使用集合，首次标记返回 true
type ConsumedSet interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type IssueRequest struct {
	Kind      HandlerKind
	GuildID   string
	SubjectID string
	Action    AdminAction
	SingleUse bool
	// TTL 为 0 时可复用令牌永不过期，单次令牌使用默认有效期
	TTL time.Duration
}

type Resolution struct {
	Kind      HandlerKind
	GuildID   string
	SubjectID string
	Action    AdminAction
	TokenID   uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
	SingleUse bool
}

// InteractionRegistry 签发和解析按钮、表单上携带的交互令牌
// 令牌自描述并带 HMAC 校验，解析不依赖进程内状态；唯一的服务端状态是单次令牌的已使用集合
type InteractionRegistry struct {
	key      []byte
	consumed ConsumedSet
	now      func() time.Time

	mu    sync.RWMutex
	kinds map[HandlerKind]struct{}
}

func NewInteractionRegistry(signingKey []byte, consumed ConsumedSet) (*InteractionRegistry, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("interaction signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	key := make([]byte, len(signingKey))
	copy(key, signingKey)
	return &InteractionRegistry{
		key:      key,
		consumed: consumed,
		now:      time.Now,
		kinds:    make(map[HandlerKind]struct{}),
	}, nil
}

// Register 启用处理器
func (r *InteractionRegistry) Register(kinds ...HandlerKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		r.kinds[k] = struct{}{}
	}
}

func (r *InteractionRegistry) Registered(kind HandlerKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Issue 生成令牌：v1. + base64url(payload || HMAC-SHA256(payload)[:16])
func (r *InteractionRegistry) Issue(req IssueRequest) (string, error) {
	if !slices.Contains(AllHandlerKinds, req.Kind) {
		return "", &ValidationError{Field: "kind", Reason: "unknown handler kind " + req.Kind.String()}
	}
	guild, err := parseSnowflake("guild_id", req.GuildID)
	if err != nil {
		return "", err
	}
	var subject uint64
	var flags byte
	if req.SubjectID != "" {
		if subject, err = parseSnowflake("subject_id", req.SubjectID); err != nil {
			return "", err
		}
		flags |= flagHasSubject
	}
	if req.Kind == KindAdminAction && req.Action == AdminActionNone {
		return "", &ValidationError{Field: "action", Reason: "admin-action token requires an action"}
	}

	now := r.now()
	ttl := req.TTL
	if req.SingleUse {
		flags |= flagSingleUse
		if ttl <= 0 {
			ttl = defaultSingleUseTTL
		}
	}
	var expiry uint32
	if ttl > 0 {
		flags |= flagHasExpiry
		expiry = uint32(now.Add(ttl).Unix())
	}

	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}

	buf := make([]byte, payloadSize, payloadSize+macSize)
	buf[0] = tokenVersion
	buf[1] = byte(req.Kind)
	buf[2] = flags
	buf[3] = byte(req.Action)
	binary.BigEndian.PutUint64(buf[4:12], guild)
	binary.BigEndian.PutUint64(buf[12:20], subject)
	copy(buf[20:28], idBuf[:])
	binary.BigEndian.PutUint32(buf[28:32], uint32(now.Unix()))
	binary.BigEndian.PutUint32(buf[32:36], expiry)
	buf = append(buf, r.sign(buf)...)

	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Resolve 校验并解码令牌，单次令牌同时被标记为已使用
// 失败顺序：格式或签名错误 InvalidToken，过期 Expired，处理器未启用 UnknownHandler，已使用 Expired
func (r *InteractionRegistry) Resolve(ctx context.Context, token string) (*Resolution, error) {
	res, err := r.resolve(ctx, token)
	metrics.TokenResolves.WithLabelValues(resolveResult(err)).Inc()
	return res, err
}

func (r *InteractionRegistry) resolve(ctx context.Context, token string) (*Resolution, error) {
	if len(token) > MaxTokenLength || !strings.HasPrefix(token, tokenPrefix) {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token[len(tokenPrefix):])
	if err != nil || len(raw) != payloadSize+macSize {
		return nil, ErrInvalidToken
	}
	payload, mac := raw[:payloadSize], raw[payloadSize:]
	if !hmac.Equal(mac, r.sign(payload)) {
		return nil, ErrInvalidToken
	}
	if payload[0] != tokenVersion {
		return nil, ErrInvalidToken
	}

	flags := payload[2]
	res := &Resolution{
		Kind:      HandlerKind(payload[1]),
		Action:    AdminAction(payload[3]),
		GuildID:   strconv.FormatUint(binary.BigEndian.Uint64(payload[4:12]), 10),
		TokenID:   binary.BigEndian.Uint64(payload[20:28]),
		IssuedAt:  time.Unix(int64(binary.BigEndian.Uint32(payload[28:32])), 0),
		SingleUse: flags&flagSingleUse != 0,
	}
	if flags&flagHasSubject != 0 {
		res.SubjectID = strconv.FormatUint(binary.BigEndian.Uint64(payload[12:20]), 10)
	}

	now := r.now()
	if flags&flagHasExpiry != 0 {
		res.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint32(payload[32:36])), 0)
		if !now.Before(res.ExpiresAt) {
			return nil, ErrExpired
		}
	}
	if !r.Registered(res.Kind) {
		return nil, ErrUnknownHandler
	}

	if res.SingleUse {
		key := consumedKey(res.GuildID, res.TokenID)
		first, err := r.consumed.MarkOnce(ctx, key, res.ExpiresAt.Sub(now))
		if err != nil {
			return nil, &UpstreamError{Op: "mark token consumed", Err: err}
		}
		if !first {
			return nil, ErrExpired
		}
	}
	return res, nil
}

func (r *InteractionRegistry) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, r.key)
	h.Write(payload)
	return h.Sum(nil)[:macSize]
}

func consumedKey(guildID string, tokenID uint64) string {
	return "interaction:consumed:" + guildID + ":" + strconv.FormatUint(tokenID, 16)
}

func parseSnowflake(field, id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil || v == 0 {
		return 0, &ValidationError{Field: field, Reason: "must be a Discord snowflake"}
	}
	return v, nil
}

func resolveResult(err error) string {
	if err == nil {
		return "ok"
	}
	switch KindOf(err) {
	case KindInvalidToken:
		return "invalid"
	case KindExpired:
		return "expired"
	case KindUnknownHandler:
		return "unknown_handler"
	default:
		return "error"
	}
}
