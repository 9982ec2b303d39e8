package jwt

import (
	"errors"
	"slices"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrNotRefreshable   = errors.New("token outside refresh window")
)

const issuer = "vela-admin"

// Claims 管理后台会话声明
type Claims struct {
	AdminID    string   `json:"admin_id"`
	Username   string   `json:"username"`
	GuildIDs   []string `json:"guild_ids"`
	SuperAdmin bool     `json:"is_super_admin"`
	jwt.RegisteredClaims
}

// CanManage 判断会话是否有权管理指定 guild
func (c *Claims) CanManage(guildID string) bool {
	return c.SuperAdmin || slices.Contains(c.GuildIDs, guildID)
}

type TokenManager struct {
	secret     []byte
	expireDur  time.Duration
	refreshDur time.Duration
	now        func() time.Time
}

func NewTokenManager(secret []byte, expireHours, refreshHours int) *TokenManager {
	return &TokenManager{
		secret:     secret,
		expireDur:  time.Duration(expireHours) * time.Hour,
		refreshDur: time.Duration(refreshHours) * time.Hour,
		now:        time.Now,
	}
}

// ExpireDuration 会话有效期，用于设置 cookie 的 Max-Age
func (tm *TokenManager) ExpireDuration() time.Duration {
	return tm.expireDur
}

func (tm *TokenManager) GenerateToken(adminID, username string, guildIDs []string, superAdmin bool) (string, error) {
	now := tm.now()

	claims := Claims{
		AdminID:    adminID,
		Username:   username,
		GuildIDs:   guildIDs,
		SuperAdmin: superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   adminID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expireDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

func (tm *TokenManager) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrInvalidToken
	}
	return tm.secret, nil
}

func (tm *TokenManager) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keyFunc,
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshToken 在过期前 refreshDur 内重新签发，guild 列表沿用旧声明
func (tm *TokenManager) RefreshToken(tokenString string) (string, error) {
	claims, err := tm.ParseToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.ExpiresAt.Time.Sub(tm.now()) > tm.refreshDur {
		return "", ErrNotRefreshable
	}
	return tm.GenerateToken(claims.AdminID, claims.Username, claims.GuildIDs, claims.SuperAdmin)
}
