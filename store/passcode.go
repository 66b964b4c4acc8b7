package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// 🎫 通行码签发
// =============================================================================

// ErrTokenInvalid token 验证失败（签名、签发方或过期）
var ErrTokenInvalid = errors.New("passcode token invalid")

// PasscodeClaims 通行码 JWT 载荷
type PasscodeClaims struct {
	VisitID     string `json:"visit_id"`
	MerchantID  string `json:"merchant_id"`
	VisitorName string `json:"visitor_name"`
	jwt.RegisteredClaims
}

// PasscodeIssuer 签发与验证通行码 JWT。HS256 对称签名，
// 闸机侧持同一密钥即可离线验证。
type PasscodeIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewPasscodeIssuer 创建签发器
func NewPasscodeIssuer(secret, issuer string, ttl time.Duration) (*PasscodeIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("passcode issuer requires a signing secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("passcode ttl must be positive, got %v", ttl)
	}
	return &PasscodeIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}, nil
}

// TTL 返回签发有效期
func (p *PasscodeIssuer) TTL() time.Duration { return p.ttl }

// Issue 为已批准的申请签发 token。passcodeID 作为 jti，
// 撤销时据此对照黑名单。
func (p *PasscodeIssuer) Issue(passcodeID string, visit *VisitorApplication, now time.Time) (string, error) {
	claims := PasscodeClaims{
		VisitID:     visit.ID,
		MerchantID:  visit.MerchantID,
		VisitorName: visit.VisitorName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        passcodeID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign passcode token: %w", err)
	}
	return signed, nil
}

// Verify 验证 token 并返回载荷。签名不符、签发方不符或已过期
// 一律归并为 ErrTokenInvalid。
func (p *PasscodeIssuer) Verify(tokenString string) (*PasscodeClaims, error) {
	claims := &PasscodeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return p.secret, nil
		},
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
