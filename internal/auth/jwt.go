// Package auth verifies the HS256 tokens viewers present and signs the
// service tokens this server presents to its remotes.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceTokenTTL bounds the lifetime of a signed service token.
const ServiceTokenTTL = 5 * time.Minute

const servicePrefix = "server:"

var ErrInvalidToken = errors.New("auth: invalid token")

// ParseToken validates an HS256 token and returns its subject.
func ParseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// SignServiceToken issues the short-lived token serverID presents when it
// dials a remote server's buffer endpoint. Remotes share the secret.
func SignServiceToken(secret, serverID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": servicePrefix + serverID,
		"iat": now.Unix(),
		"exp": now.Add(ServiceTokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// IsService reports whether subject identifies a peer server rather than a user.
func IsService(subject string) bool {
	return strings.HasPrefix(subject, servicePrefix)
}
