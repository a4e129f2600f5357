// Package auth implements the Auth Module: bcrypt credential verification
// and an opt-in APOP path for POP3 (RFC 1939 §7), grounded on db/auth.go's
// verifyPassword/GenerateBcryptHash idiom but narrowed to bcrypt only (see
// DESIGN.md for the dropped legacy SSHA512/SHA512 schemes).
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mailstack/mailstack/internal/consts"
)

// Principal identifies a successfully authenticated account.
type Principal struct {
	AccountID int64
	Address   string
}

// Credentials is what a credential lookup returns for one address: the
// bcrypt login hash, and optionally a reversible APOP secret. APOPSecret is
// empty for accounts that have never opted into APOP.
type Credentials struct {
	AccountID  int64
	Address    string
	Bcrypt     string
	APOPSecret string
}

// Lookup resolves an address to its stored credentials. Implemented by DS;
// kept as an interface here so AM is testable without a database.
type Lookup interface {
	GetCredentials(address string) (Credentials, error)
}

type Module struct {
	lookup Lookup
	cost   int
}

// dummyBcryptHash is a valid, fixed bcrypt hash of an unrelated password.
// Verify compares against it on a lookup miss so a nonexistent account costs
// the same wall-clock time as a wrong password on a real one.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func NewModule(lookup Lookup, bcryptCost int) *Module {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Module{lookup: lookup, cost: bcryptCost}
}

// HashPassword produces a new bcrypt hash for storage.
func (m *Module) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to generate bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// Verify checks username/password against the stored bcrypt hash. It never
// distinguishes "user not found" from "wrong password" in its returned
// error, so no side channel reveals account existence.
func (m *Module) Verify(address, password string) (Principal, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" || password == "" {
		return Principal{}, consts.ErrNotPermitted
	}

	creds, err := m.lookup.GetCredentials(normalized)
	if err != nil {
		// Constant-shape failure: fold lookup miss and any other lookup error
		// into the same deny path taken for a wrong password below, and still
		// run the bcrypt comparison against a dummy hash so the miss costs the
		// same time as a real account with a wrong password.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(password))
		return Principal{}, consts.ErrNotPermitted
	}

	if bcrypt.CompareHashAndPassword([]byte(creds.Bcrypt), []byte(password)) != nil {
		return Principal{}, consts.ErrNotPermitted
	}

	return Principal{AccountID: creds.AccountID, Address: normalized}, nil
}

// IssueAPOPNonce generates a cryptographically random, session-unique
// challenge string for the POP3 greeting banner.
func IssueAPOPNonce(hostname string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: failed to generate apop nonce: %w", err)
	}
	return fmt.Sprintf("<%s@%s>", hex.EncodeToString(buf), hostname), nil
}

// VerifyAPOP checks an APOP digest per RFC 1939 §7: digest =
// md5(nonce || secret). AM cannot derive this from the bcrypt login hash
// (one-way), so it requires a separate reversible secret the account has
// explicitly opted into; accounts without one get ErrAPOPUnsupported rather
// than a denial that looks like a wrong password.
func (m *Module) VerifyAPOP(address, nonce, digestHex string) (Principal, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	creds, err := m.lookup.GetCredentials(normalized)
	if err != nil {
		return Principal{}, consts.ErrNotPermitted
	}
	if creds.APOPSecret == "" {
		return Principal{}, consts.ErrAPOPUnsupported
	}

	sum := md5.Sum([]byte(nonce + creds.APOPSecret))
	expected := hex.EncodeToString(sum[:])
	if !strings.EqualFold(expected, digestHex) {
		return Principal{}, errors.New("apop: digest mismatch")
	}
	return Principal{AccountID: creds.AccountID, Address: normalized}, nil
}
