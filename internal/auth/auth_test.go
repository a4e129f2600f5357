package auth

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailstack/mailstack/internal/consts"
)

func md5Sum(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type fakeLookup struct {
	byAddress map[string]Credentials
}

func (f *fakeLookup) GetCredentials(address string) (Credentials, error) {
	c, ok := f.byAddress[address]
	if !ok {
		return Credentials{}, errors.New("not found")
	}
	return c, nil
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestVerify_CorrectPassword(t *testing.T) {
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 1, Address: "user@example.com", Bcrypt: mustHash(t, "hunter2")},
	}}, bcrypt.MinCost)

	p, err := m.Verify("user@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.AccountID)
}

func TestVerify_WrongPassword(t *testing.T) {
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 1, Address: "user@example.com", Bcrypt: mustHash(t, "hunter2")},
	}}, bcrypt.MinCost)

	_, err := m.Verify("user@example.com", "wrong")
	assert.ErrorIs(t, err, consts.ErrNotPermitted)
}

func TestVerify_UnknownUserSameErrorAsWrongPassword(t *testing.T) {
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{}}, bcrypt.MinCost)

	_, errUnknown := m.Verify("ghost@example.com", "anything")
	_, errWrong := (&Module{lookup: &fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 1, Bcrypt: mustHash(t, "hunter2")},
	}}, cost: bcrypt.MinCost}).Verify("user@example.com", "wrong")

	assert.ErrorIs(t, errUnknown, consts.ErrNotPermitted)
	assert.ErrorIs(t, errWrong, consts.ErrNotPermitted)
}

func TestVerify_AddressIsNormalized(t *testing.T) {
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 1, Bcrypt: mustHash(t, "hunter2")},
	}}, bcrypt.MinCost)

	p, err := m.Verify("  USER@Example.com ", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.AccountID)
}

func TestIssueAPOPNonce_IsUniquePerCall(t *testing.T) {
	n1, err := IssueAPOPNonce("mail.example.com")
	require.NoError(t, err)
	n2, err := IssueAPOPNonce("mail.example.com")
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.True(t, strings.HasPrefix(n1, "<"))
	assert.True(t, strings.HasSuffix(n1, "mail.example.com>"))
}

func TestVerifyAPOP_CorrectDigest(t *testing.T) {
	nonce := "<1234.apop@mail.example.com>"
	secret := "plaintext-apop-secret"
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 7, Address: "user@example.com", Bcrypt: mustHash(t, "unused"), APOPSecret: secret},
	}}, bcrypt.MinCost)

	sum := md5Sum(nonce + secret)
	p, err := m.VerifyAPOP("user@example.com", nonce, sum)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.AccountID)
}

func TestVerifyAPOP_WithoutOptInSecretIsUnsupported(t *testing.T) {
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 7, Bcrypt: mustHash(t, "unused")},
	}}, bcrypt.MinCost)

	_, err := m.VerifyAPOP("user@example.com", "<nonce>", "deadbeef")
	assert.ErrorIs(t, err, consts.ErrAPOPUnsupported)
}

func TestVerifyAPOP_WrongDigest(t *testing.T) {
	m := NewModule(&fakeLookup{byAddress: map[string]Credentials{
		"user@example.com": {AccountID: 7, Bcrypt: mustHash(t, "unused"), APOPSecret: "secret"},
	}}, bcrypt.MinCost)

	_, err := m.VerifyAPOP("user@example.com", "<nonce>", "0000000000000000000000000000000")
	assert.Error(t, err)
}
