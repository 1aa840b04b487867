// Package session carries the authenticated caller identity through a
// request: the owning user's rid and whether the session is privileged,
// feeding the visibility rule ("owner IS NULL OR owner =
// session.user_rid", or by a privileged session).
//
// The control protocol that authenticates a caller and mints its token
// is out of scope; this package only verifies a bearer token already
// issued by that layer and resolves it to a Session.
package session

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/repository"
)

// Session is the identity a request operates as.
type Session struct {
	UserRID    int64
	Privileged bool
}

type contextKey int

const sessionKey contextKey = 0

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext extracts the Session stored by WithSession, if any.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// Owns reports whether s may read/modify a row owned by ownerRID, a
// nullable reference where a missing owner (0) means predefined/global
// and is always visible.
func (s Session) Owns(ownerRID int64, ownerValid bool) bool {
	if !ownerValid {
		return true
	}
	return s.Privileged || s.UserRID == ownerRID
}

// claims is the custom JWT payload scanmgr expects from its issuer: a
// resolved user_rid and privileged flag, rather than a subject name the
// service would need a second lookup to resolve.
type claims struct {
	UserRID    int64 `json:"user_rid"`
	Privileged bool  `json:"privileged"`
	jwt.RegisteredClaims
}

// Verifier decodes bearer tokens into Sessions.
type Verifier struct {
	publicKey *rsa.PublicKey
	users     *repository.UserRepository
}

// NewVerifier binds a Verifier to a public key and the user repository
// used to confirm a token's subject still exists.
func NewVerifier(publicKey *rsa.PublicKey, users *repository.UserRepository) *Verifier {
	return &Verifier{publicKey: publicKey, users: users}
}

// LoadVerifier reads an RSA public key from a PEM file and builds a
// Verifier around it.
func LoadVerifier(publicKeyPath string, users *repository.UserRepository) (*Verifier, error) {
	pemBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key, users), nil
}

// ParseRSAPublicKeyFromPEM parses an RSA public key from PEM bytes,
// accepting the three encodings a token issuer might hand out: a PKIX
// "PUBLIC KEY" block, a PKCS#1 "RSA PUBLIC KEY" block, or the public
// key embedded in a "CERTIFICATE" block.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apperr.New(apperr.CodeTrust, "no PEM block found in jwt public key file")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, apperr.New(apperr.CodeTrust, "certificate does not hold an RSA public key")
		}
		return pub, nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKIX public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, apperr.New(apperr.CodeTrust, "PEM block does not hold an RSA public key")
		}
		return rsaPub, nil
	}
}

// Verify parses and validates a raw Authorization header value
// ("Bearer <token>" or a bare token), resolves it to a Session, and
// confirms the claimed user still exists.
func (v *Verifier) Verify(ctx context.Context, authHeader string) (Session, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	tokenString = strings.TrimPrefix(tokenString, " ")
	if tokenString == "" {
		return Session{}, apperr.New(apperr.CodeTrust, "missing bearer token")
	}
	if v.publicKey == nil {
		return Session{}, apperr.New(apperr.CodeTrust, "session verification is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, apperr.New(apperr.CodeTrust, fmt.Sprintf("unexpected signing method %v", t.Header["alg"]))
		}
		return v.publicKey, nil
	})
	if err != nil {
		return Session{}, apperr.TrustError("bearer token", err)
	}
	if !token.Valid {
		return Session{}, apperr.New(apperr.CodeTrust, "invalid bearer token")
	}

	c, ok := token.Claims.(*claims)
	if !ok || c.UserRID == 0 {
		return Session{}, apperr.New(apperr.CodeTrust, "bearer token missing user_rid claim")
	}

	if v.users != nil {
		_, exists, err := v.users.FindByRID(ctx, c.UserRID)
		if err != nil {
			return Session{}, fmt.Errorf("resolve session user: %w", err)
		}
		if !exists {
			return Session{}, apperr.New(apperr.CodeTrust, "bearer token names an unknown user")
		}
	}

	return Session{UserRID: c.UserRID, Privileged: c.Privileged}, nil
}
