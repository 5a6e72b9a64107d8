package providers

import (
	"context"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var _ AuthProvider = &JWTAuthProvider{}

// JWTAuthProvider verifies HS256 tokens signed with a shared secret.
// Claims: sub (user uid) and username.
type JWTAuthProvider struct {
	secret []byte
	issuer string
}

type userClaims struct {
	Username string `json:"username"`
	gojwt.RegisteredClaims
}

func NewJWTAuthProvider(secret string, issuer string) (*JWTAuthProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	return &JWTAuthProvider{
		secret: []byte(secret),
		issuer: issuer,
	}, nil
}

// VerifyToken verifies a token issued by IssueToken
func (p *JWTAuthProvider) VerifyToken(ctx context.Context, idToken string) (*TokenClaims, error) {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	}
	if p.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(p.issuer))
	}

	claims := &userClaims{}
	_, err := gojwt.ParseWithClaims(idToken, claims, func(token *gojwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error verifying token: %v", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return &TokenClaims{
		UID:      claims.Subject,
		Username: username,
	}, nil
}

// IssueToken signs a token for uid valid for ttl.
func (p *JWTAuthProvider) IssueToken(uid string, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &userClaims{
		Username: username,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    p.issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}
	return token, nil
}
