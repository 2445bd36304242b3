package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/rs/zerolog/log"
)

// KMSConfig holds the sealing service settings for the StrongBox tier.
type KMSConfig struct {
	Region        string `yaml:"region"`
	SealingKeyARN string `yaml:"sealing_key_arn"`
}

// Sealer binds key material to the dedicated secure module: Seal encrypts
// under the remote sealing key, Unseal requires a fresh attestation from
// the module, so sealed material is only recoverable on this hardware.
type Sealer struct {
	client *kms.Client
	keyARN string
}

// sealedBlob is the stored envelope for sealed key material.
type sealedBlob struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	Ciphertext []byte `json:"ciphertext"`
}

// NewSealer creates a sealer for the configured sealing key. Returns an
// error when the sealing service is unreachable or unconfigured; the
// caller degrades to the next tier, it never fails the whole service.
func NewSealer(ctx context.Context, cfg KMSConfig) (*Sealer, error) {
	if cfg.SealingKeyARN == "" {
		return nil, fmt.Errorf("sealing key ARN not configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load sealing service config: %w", err)
	}
	return &Sealer{
		client: kms.NewFromConfig(awsCfg),
		keyARN: cfg.SealingKeyARN,
	}, nil
}

// Seal encrypts material under the sealing key. Encryption needs no
// attestation; anyone may encrypt to the key.
func (s *Sealer) Seal(ctx context.Context, material []byte) ([]byte, error) {
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &s.keyARN,
		Plaintext: material,
	})
	if err != nil {
		return nil, fmt.Errorf("seal failed: %w", err)
	}

	blob := sealedBlob{
		Version:    1,
		Algorithm:  "kms-attested",
		Ciphertext: result.CiphertextBlob,
	}
	return json.Marshal(blob)
}

// Unseal decrypts a sealed blob. The decrypt call carries an attestation
// document from the secure module with an ephemeral RSA public key; the
// sealing service validates the attestation against the key policy and
// returns the plaintext encrypted to that ephemeral key.
func (s *Sealer) Unseal(ctx context.Context, data []byte) ([]byte, error) {
	var blob sealedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to parse sealed blob: %w", err)
	}

	attestation, privateKey, err := attestWithEphemeralKey()
	if err != nil {
		return nil, fmt.Errorf("attestation failed: %w", err)
	}

	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &s.keyARN,
		CiphertextBlob: blob.Ciphertext,
		Recipient: &kmstypes.RecipientInfo{
			AttestationDocument:    attestation,
			KeyEncryptionAlgorithm: kmstypes.KeyEncryptionMechanismRsaesOaepSha256,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unseal failed: %w", err)
	}
	if result.CiphertextForRecipient == nil {
		return nil, fmt.Errorf("sealing service returned no recipient ciphertext")
	}

	// The response is a CMS EnvelopedData structure; the RSA-encrypted
	// content key inside it is our plaintext, encrypted to the ephemeral
	// attestation key.
	encryptedKey := findEncryptedKeyInCMS(result.CiphertextForRecipient)
	if encryptedKey == nil {
		return nil, fmt.Errorf("no encrypted key found in recipient envelope")
	}

	material, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, encryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt recipient envelope: %w", err)
	}

	log.Debug().Int("material_len", len(material)).Msg("Key material unsealed with attestation")
	return material, nil
}

// attestWithEphemeralKey generates a 2048-bit RSA keypair and asks the
// secure module for an attestation document embedding its public key.
func attestWithEphemeralKey() ([]byte, *rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open secure module session: %w", err)
	}
	defer sess.Close()

	res, err := sess.Send(&request.Attestation{PublicKey: der})
	if err != nil {
		return nil, nil, fmt.Errorf("attestation request failed: %w", err)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, nil, fmt.Errorf("secure module returned empty attestation document")
	}

	return res.Attestation.Document, privateKey, nil
}

// findEncryptedKeyInCMS scans a CMS EnvelopedData structure for the
// RSA-encrypted content key: a 256-byte OCTET STRING (2048-bit RSA).
func findEncryptedKeyInCMS(data []byte) []byte {
	for i := 0; i < len(data)-4; i++ {
		if data[i] != 0x04 { // OCTET STRING tag
			continue
		}
		length, headerLen := 0, 0
		switch {
		case data[i+1] < 0x80:
			length, headerLen = int(data[i+1]), 2
		case data[i+1] == 0x81:
			length, headerLen = int(data[i+2]), 3
		case data[i+1] == 0x82 && i+3 < len(data):
			length, headerLen = int(data[i+2])<<8|int(data[i+3]), 4
		}
		if length == 256 && i+headerLen+256 <= len(data) {
			return data[i+headerLen : i+headerLen+256]
		}
	}
	return nil
}
