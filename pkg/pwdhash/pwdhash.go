// Package pwdhash hashes and verifies student login passwords.
package pwdhash

import "golang.org/x/crypto/bcrypt"

const cost = 12

// Hash produces a salted bcrypt verifier for password.
func Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Check reports whether password matches hash.
func Check(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
