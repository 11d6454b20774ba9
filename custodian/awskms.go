package custodian

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
)

const (
	// kmsMaxRawMessage is the largest message AWS KMS signs in RAW mode.
	kmsMaxRawMessage = 4096

	aliasTagKey = "biosign-alias"
)

// AWSKMSCustodian keeps key pairs in AWS KMS, whose private keys are
// generated and used inside HSMs and cannot be exported. A key alias maps to
// the KMS alias "alias/<name>".
type AWSKMSCustodian struct {
	*AuthLedger

	client            kmsiface.KMSAPI
	pendingWindowDays int64
	log               *slog.Logger
}

// NewAWSKMSCustodian creates a custodian talking to AWS KMS in region.
// Static credentials are optional; without them the default credential chain
// is used.
func NewAWSKMSCustodian(region, endpoint, accessKey, secretKey string, log *slog.Logger) (*AWSKMSCustodian, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewAWSKMSCustodianWithClient(kms.New(sess), log), nil
}

// NewAWSKMSCustodianWithClient wraps an existing KMS client.
func NewAWSKMSCustodianWithClient(client kmsiface.KMSAPI, log *slog.Logger) *AWSKMSCustodian {
	return &AWSKMSCustodian{
		AuthLedger:        NewAuthLedger(DefaultAuthValidity),
		client:            client,
		pendingWindowDays: 7,
		log:               log,
	}
}

// Generate creates an ECC_NIST_P256 signing key and points the alias at it.
// An existing key under the alias is scheduled for deletion first.
func (c *AWSKMSCustodian) Generate(ctx context.Context, alias interfaces.KeyAlias, opts interfaces.KeyGenOptions) (*interfaces.KeyPairHandle, error) {
	if opts.SchemeOrDefault() != interfaces.SchemeECDSAP256SHA256 {
		return nil, fmt.Errorf("%w: AWS KMS custodian supports %s only", interfaces.ErrUnsupportedScheme, interfaces.SchemeECDSAP256SHA256)
	}

	if _, err := c.Delete(ctx, alias); err != nil {
		return nil, err
	}

	created, err := c.client.CreateKeyWithContext(ctx, &kms.CreateKeyInput{
		KeySpec:     aws.String(kms.KeySpecEccNistP256),
		KeyUsage:    aws.String(kms.KeyUsageTypeSignVerify),
		Description: aws.String(fmt.Sprintf("biometric-gated signing key %s", alias)),
		Tags: []*kms.Tag{
			{TagKey: aws.String(aliasTagKey), TagValue: aws.String(alias.String())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS key: %w", err)
	}

	_, err = c.client.CreateAliasWithContext(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(kmsAliasName(alias)),
		TargetKeyId: created.KeyMetadata.KeyId,
	})
	if err != nil {
		c.scheduleDeletion(ctx, created.KeyMetadata.KeyId)
		return nil, fmt.Errorf("failed to create KMS alias: %w", err)
	}

	c.Forget(alias)
	c.SetPolicy(alias, opts.RequireAuthPerUse)

	c.log.Info("Created KMS signing key",
		slog.String("alias", alias.String()),
		slog.String("keyId", aws.StringValue(created.KeyMetadata.KeyId)))

	return c.Load(ctx, alias)
}

// Delete removes the alias and schedules its key for deletion.
func (c *AWSKMSCustodian) Delete(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	metadata, err := c.describe(ctx, alias)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = c.client.DeleteAliasWithContext(ctx, &kms.DeleteAliasInput{
		AliasName: aws.String(kmsAliasName(alias)),
	})
	if err != nil && !isKMSNotFound(err) {
		return false, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	c.scheduleDeletion(ctx, metadata.KeyId)
	c.Forget(alias)
	return true, nil
}

// Exists treats keys pending deletion as absent.
func (c *AWSKMSCustodian) Exists(ctx context.Context, alias interfaces.KeyAlias) (interfaces.Existence, error) {
	_, err := c.describe(ctx, alias)
	switch {
	case err == nil:
		return interfaces.ExistencePresent, nil
	case errors.Is(err, interfaces.ErrKeyNotFound):
		return interfaces.ExistenceAbsent, nil
	default:
		return interfaces.ExistenceUnknown, err
	}
}

// Load fetches the public key of the aliased KMS key.
func (c *AWSKMSCustodian) Load(ctx context.Context, alias interfaces.KeyAlias) (*interfaces.KeyPairHandle, error) {
	metadata, err := c.describe(ctx, alias)
	if err != nil {
		return nil, err
	}

	out, err := c.client.GetPublicKeyWithContext(ctx, &kms.GetPublicKeyInput{
		KeyId: metadata.KeyId,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	pub, err := cryptoutils.PublicKeyFromDER(out.PublicKey)
	if err != nil {
		return nil, err
	}

	return &interfaces.KeyPairHandle{
		Alias:     alias,
		Scheme:    interfaces.SchemeECDSAP256SHA256,
		Public:    pub,
		CreatedAt: aws.TimeValue(metadata.CreationDate),
	}, nil
}

// Sign asks KMS for an ECDSA_SHA_256 signature. Messages larger than KMS
// accepts in RAW mode are hashed locally and sent as a digest, which yields
// the same signature.
func (c *AWSKMSCustodian) Sign(ctx context.Context, alias interfaces.KeyAlias, payload []byte) ([]byte, error) {
	if err := c.Consume(alias); err != nil {
		return nil, err
	}

	input := &kms.SignInput{
		KeyId:            aws.String(kmsAliasName(alias)),
		SigningAlgorithm: aws.String(kms.SigningAlgorithmSpecEcdsaSha256),
		MessageType:      aws.String(kms.MessageTypeRaw),
		Message:          payload,
	}
	if len(payload) > kmsMaxRawMessage {
		digest := sha256.Sum256(payload)
		input.MessageType = aws.String(kms.MessageTypeDigest)
		input.Message = digest[:]
	}

	start := time.Now()
	out, err := c.client.SignWithContext(ctx, input)
	if err != nil {
		if isKMSNotFound(err) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("KMS sign failed: %w", err)
	}

	c.log.Debug("Signed with KMS key",
		slog.String("alias", alias.String()),
		slog.Duration("duration", time.Since(start)))

	return out.Signature, nil
}

// Verify checks a signature locally against an encoded public key.
func (c *AWSKMSCustodian) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	return cryptoutils.Verify(publicKey, payload, signature)
}

func (c *AWSKMSCustodian) describe(ctx context.Context, alias interfaces.KeyAlias) (*kms.KeyMetadata, error) {
	out, err := c.client.DescribeKeyWithContext(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(kmsAliasName(alias)),
	})
	if err != nil {
		if isKMSNotFound(err) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if out.KeyMetadata == nil {
		return nil, fmt.Errorf("%w: empty key metadata", interfaces.ErrStoreUnavailable)
	}
	if aws.StringValue(out.KeyMetadata.KeyState) == kms.KeyStatePendingDeletion {
		return nil, interfaces.ErrKeyNotFound
	}
	return out.KeyMetadata, nil
}

func (c *AWSKMSCustodian) scheduleDeletion(ctx context.Context, keyID *string) {
	_, err := c.client.ScheduleKeyDeletionWithContext(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               keyID,
		PendingWindowInDays: aws.Int64(c.pendingWindowDays),
	})
	if err != nil {
		c.log.Warn("Failed to schedule KMS key deletion", "keyId", aws.StringValue(keyID), "err", err)
	}
}

func kmsAliasName(alias interfaces.KeyAlias) string {
	return "alias/" + alias.String()
}

func isKMSNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == kms.ErrCodeNotFoundException
}
