package auth

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted by SetPassword flows.
const MinPasswordLength = 8

// dummyHash is compared against when the looked-up principal does not exist so
// that a miss costs the same as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("tenantgate-dummy-password"), bcrypt.DefaultCost)

// CheckPasswordPolicy validates a candidate password.
func CheckPasswordPolicy(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fmt.Errorf("%w: minimum length is %d", ErrWeakPassword, MinPasswordLength)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: maximum length is 72 bytes", ErrWeakPassword)
	}
	return nil
}

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func burnPasswordCompare(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
