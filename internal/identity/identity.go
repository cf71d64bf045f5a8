// Package identity verifies the bearer credential presented at connection
// time and confirms the account behind it with the identity collaborator.
// Failure reasons are distinguished so clients can react differently
// (re-login versus retry later).
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("credential expired")
	ErrTokenMalformed    = errors.New("credential malformed")
	ErrUnknownUser       = errors.New("unknown user")
	ErrAccountLocked     = errors.New("account locked")
	ErrContactUnverified = errors.New("contact method not verified")
)

// Identity is the verified principal attached to a connection after a
// successful handshake.
type Identity struct {
	UserID   string
	UserName string
}

// Account is what the identity collaborator knows about a user.
type Account struct {
	ID              string
	Name            string
	Locked          bool
	ContactVerified bool
}

// Directory looks an account up in the external identity store.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Account, error)
}

// Verifier decodes and signature/expiry-checks bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and extracts the claimed identity. "Bearer "
// prefixes are tolerated since some clients pass the whole header value.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return Identity{}, ErrTokenMalformed
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenMalformed
	}
	if !token.Valid {
		return Identity{}, ErrTokenMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrTokenMalformed
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Identity{}, ErrTokenMalformed
	}
	userName, _ := claims["user_name"].(string)

	return Identity{UserID: userID, UserName: userName}, nil
}

// Authenticator chains credential verification with the account lookup.
type Authenticator struct {
	verifier               *Verifier
	directory              Directory
	requireVerifiedContact bool
}

func NewAuthenticator(verifier *Verifier, directory Directory, requireVerifiedContact bool) *Authenticator {
	return &Authenticator{
		verifier:               verifier,
		directory:              directory,
		requireVerifiedContact: requireVerifiedContact,
	}
}

// Authenticate verifies the credential, then confirms the account exists, is
// not locked and, if policy requires, has a verified contact method. The
// directory lookup is the only blocking step in connection setup.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	id, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	account, err := a.directory.Lookup(ctx, id.UserID)
	if err != nil {
		return Identity{}, err
	}
	if account.Locked {
		return Identity{}, ErrAccountLocked
	}
	if a.requireVerifiedContact && !account.ContactVerified {
		return Identity{}, ErrContactUnverified
	}

	if id.UserName == "" {
		id.UserName = account.Name
	}
	return id, nil
}
