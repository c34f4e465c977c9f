package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bard-backup/bard/internal/protocol"
)

type fakeMasterVerifier struct {
	name     string
	uuidHash string
}

func (f *fakeMasterVerifier) VerifyMaster(name, uuidHash string) error {
	if name == f.name && uuidHash == f.uuidHash {
		return nil
	}
	return protocol.Errorf(protocol.CodeNotPaired, "unknown master")
}

func encryptForClassifier(t *testing.T, c *Classifier, plain []byte) string {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(c.PublicKey())
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub.(*rsa.PublicKey), plain)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(encrypted)
}

func TestHashVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
	assert.False(t, VerifyPassword("s3cret", "not-a-hash"))

	// Salted: two hashes of the same password differ.
	hash2, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
}

func TestClassifyPasswordPlain(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	c, err := NewClassifier(hash, "machine-1", false, nil)
	require.NoError(t, err)

	class, err := c.ClassifyPassword(EncryptNone, base64.StdEncoding.EncodeToString([]byte("s3cret")))
	require.NoError(t, err)
	assert.Equal(t, ClassClient, class)

	class, err = c.ClassifyPassword(EncryptNone, base64.StdEncoding.EncodeToString([]byte("wrong")))
	assert.Equal(t, ClassFail, class)
	code, _ := protocol.AsError(err)
	assert.Equal(t, protocol.CodeInvalidPassword, code)
}

func TestClassifyPasswordRSA(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	c, err := NewClassifier(hash, "machine-1", false, nil)
	require.NoError(t, err)

	class, err := c.ClassifyPassword(EncryptRSA, encryptForClassifier(t, c, []byte("s3cret")))
	require.NoError(t, err)
	assert.Equal(t, ClassClient, class)

	// Garbage ciphertext fails closed.
	class, err = c.ClassifyPassword(EncryptRSA, base64.StdEncoding.EncodeToString([]byte("garbage")))
	assert.Equal(t, ClassFail, class)
	assert.Error(t, err)
}

func TestClassifyUUIDRequiresSlaveMode(t *testing.T) {
	c, err := NewClassifier("", "machine-1", false, &fakeMasterVerifier{})
	require.NoError(t, err)

	class, _, err := c.ClassifyUUID(EncryptNone, "M1", base64.StdEncoding.EncodeToString([]byte(uuid.NewString())))
	assert.Equal(t, ClassFail, class)
	code, _ := protocol.AsError(err)
	assert.Equal(t, protocol.CodeNotASlave, code)
}

func TestClassifyUUID(t *testing.T) {
	masterUUID := uuid.New()
	verifier := &fakeMasterVerifier{
		name:     "M1",
		uuidHash: HashMasterUUID("machine-1", masterUUID),
	}
	c, err := NewClassifier("", "machine-1", true, verifier)
	require.NoError(t, err)

	class, gotHash, err := c.ClassifyUUID(EncryptRSA, "M1", encryptForClassifier(t, c, []byte(masterUUID.String())))
	require.NoError(t, err)
	assert.Equal(t, ClassMaster, class)
	assert.Equal(t, verifier.uuidHash, gotHash)

	// A different UUID yields a different hash and is rejected.
	class, _, err = c.ClassifyUUID(EncryptRSA, "M1", encryptForClassifier(t, c, []byte(uuid.NewString())))
	assert.Equal(t, ClassFail, class)
	code, _ := protocol.AsError(err)
	assert.Equal(t, protocol.CodeNotPaired, code)

	// Non-UUID payload is an authorization error, not a pairing error.
	class, _, err = c.ClassifyUUID(EncryptNone, "M1", base64.StdEncoding.EncodeToString([]byte("not a uuid")))
	assert.Equal(t, ClassFail, class)
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeAuthorization, pe.Code)
}

func TestHashMasterUUIDDeterministic(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, HashMasterUUID("m", id), HashMasterUUID("m", id))
	assert.NotEqual(t, HashMasterUUID("m", id), HashMasterUUID("other", id))
}
