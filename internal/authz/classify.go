package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/bard-backup/bard/internal/protocol"
)

// Argon2id parameters for the stored server password hash.
const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// sessionKeyBits sizes the per-process RSA key clients use to encrypt
// credentials on the wire.
const sessionKeyBits = 2048

// EncryptType names the credential transport encryption.
type EncryptType string

const (
	EncryptNone EncryptType = "NONE"
	EncryptRSA  EncryptType = "RSA"
)

// Class is the outcome of classifying an authorize command.
type Class int

const (
	ClassFail Class = iota
	ClassClient
	ClassMaster
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "CLIENT"
	case ClassMaster:
		return "MASTER"
	default:
		return "FAIL"
	}
}

// MasterVerifier checks a master identity hash against the persisted master
// record, or captures it when a pairing request is in flight.
type MasterVerifier interface {
	// VerifyMaster returns nil when the (name, uuidHash) pair is accepted
	// as the paired master; protocol.CodeNotPaired otherwise.
	VerifyMaster(name, uuidHash string) error
}

// Classifier verifies authorize credentials. It holds the per-process RSA
// session key and the server's password hash.
type Classifier struct {
	sessionKey   *rsa.PrivateKey
	passwordHash string // saltHex:hashHex, empty = password auth disabled
	machineID    string
	slaveMode    bool
	master       MasterVerifier
}

// NewClassifier generates a fresh RSA session key. passwordHash is the
// stored Argon2id hash (HashPassword format); machineID feeds the master
// identity hash.
func NewClassifier(passwordHash, machineID string, slaveMode bool, master MasterVerifier) (*Classifier, error) {
	key, err := rsa.GenerateKey(rand.Reader, sessionKeyBits)
	if err != nil {
		return nil, fmt.Errorf("authz: generating session key: %w", err)
	}
	return &Classifier{
		sessionKey:   key,
		passwordHash: passwordHash,
		machineID:    machineID,
		slaveMode:    slaveMode,
		master:       master,
	}, nil
}

// PublicKey returns the base64 DER encoding of the session public key,
// advertised to clients so they can encrypt credentials.
func (c *Classifier) PublicKey() string {
	der, err := x509.MarshalPKIXPublicKey(&c.sessionKey.PublicKey)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// ClassifyPassword verifies an encrypted password credential. Returns
// ClassClient on success, ClassFail with a protocol error otherwise.
func (c *Classifier) ClassifyPassword(encryptType EncryptType, encryptedPassword string) (Class, error) {
	password, err := c.decrypt(encryptType, encryptedPassword)
	if err != nil {
		return ClassFail, err
	}
	if c.passwordHash == "" || !VerifyPassword(string(password), c.passwordHash) {
		return ClassFail, protocol.Errorf(protocol.CodeInvalidPassword, "invalid password")
	}
	return ClassClient, nil
}

// ClassifyUUID verifies an encrypted master UUID credential. Only valid in
// slave mode. Returns ClassMaster and the computed identity hash on
// success.
func (c *Classifier) ClassifyUUID(encryptType EncryptType, name, encryptedUUID string) (Class, string, error) {
	if !c.slaveMode {
		return ClassFail, "", protocol.Errorf(protocol.CodeNotASlave, "not running in slave mode")
	}
	raw, err := c.decrypt(encryptType, encryptedUUID)
	if err != nil {
		return ClassFail, "", err
	}
	id, err := uuid.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return ClassFail, "", protocol.Errorf(protocol.CodeAuthorization, "malformed UUID credential")
	}
	uuidHash := HashMasterUUID(c.machineID, id)
	if err := c.master.VerifyMaster(name, uuidHash); err != nil {
		return ClassFail, "", err
	}
	return ClassMaster, uuidHash, nil
}

// DecryptCredential recovers a password a client encrypted with the
// session public key. The password commands (crypt, ftp, ssh, webdav)
// share the credential encoding of authorize.
func (c *Classifier) DecryptCredential(encryptType EncryptType, encoded string) (string, error) {
	raw, err := c.decrypt(encryptType, encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decrypt decodes and, for EncryptRSA, decrypts a base64 credential.
func (c *Classifier) decrypt(encryptType EncryptType, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeAuthorization, "malformed credential encoding")
	}
	switch encryptType {
	case EncryptNone, "":
		return raw, nil
	case EncryptRSA:
		plain, err := rsa.DecryptPKCS1v15(rand.Reader, c.sessionKey, raw)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeAuthorization, "credential decryption failed")
		}
		return plain, nil
	default:
		return nil, protocol.Errorf(protocol.CodeAuthorization, "unknown encrypt type %q", encryptType)
	}
}

// HashMasterUUID derives the master identity hash from the local machine id
// and the master's UUID. Both pairing and authorization use this exact
// derivation so a recorded master stays verifiable.
func HashMasterUUID(machineID string, id uuid.UUID) string {
	sum := sha256.Sum256([]byte(machineID + id.String()))
	return hex.EncodeToString(sum[:])
}

// HashPassword returns an Argon2id hash of the plaintext server password.
//
// Format: saltHex:hashHex
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("authz: generating password salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyPassword checks a plaintext password against a stored Argon2id
// hash. Returns false on a malformed hash rather than propagating an error.
func VerifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
