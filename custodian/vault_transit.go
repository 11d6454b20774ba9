package custodian

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// VaultTransitConfig configures a VaultTransitCustodian.
type VaultTransitConfig struct {
	// Address is the Vault server address (e.g. https://vault.example.com:8200).
	Address string
	// MountPath is the transit engine mount (e.g. "transit").
	MountPath string
	// Token authenticates the client. Optional with ClientCert.
	Token string
	// ClientCert enables TLS certificate authentication.
	ClientCert *tls.Certificate
	// InsecureTLS skips server certificate verification.
	InsecureTLS bool
	MaxRetries  int
	Timeout     time.Duration
}

// VaultTransitCustodian keeps key pairs in a HashiCorp Vault transit engine.
// Private keys never leave Vault; signing is a transit API call.
type VaultTransitCustodian struct {
	*AuthLedger

	client    *api.Client
	mountPath string
	log       *slog.Logger
}

// NewVaultTransitCustodian creates a Vault transit client from cfg.
func NewVaultTransitCustodian(cfg VaultTransitConfig, log *slog.Logger) (*VaultTransitCustodian, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureTLS,
	}
	if cfg.ClientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*cfg.ClientCert}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.MaxRetries = cfg.MaxRetries
	config.HttpClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   timeout,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "transit"
	}

	return &VaultTransitCustodian{
		AuthLedger: NewAuthLedger(DefaultAuthValidity),
		client:     client,
		mountPath:  mountPath,
		log:        log,
	}, nil
}

// Generate creates an ecdsa-p256 transit key, replacing any existing one.
func (c *VaultTransitCustodian) Generate(ctx context.Context, alias interfaces.KeyAlias, opts interfaces.KeyGenOptions) (*interfaces.KeyPairHandle, error) {
	if opts.SchemeOrDefault() != interfaces.SchemeECDSAP256SHA256 {
		return nil, fmt.Errorf("%w: Vault transit custodian supports %s only", interfaces.ErrUnsupportedScheme, interfaces.SchemeECDSAP256SHA256)
	}

	if _, err := c.Delete(ctx, alias); err != nil {
		return nil, err
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.keyPath(alias), map[string]interface{}{
		"type":       "ecdsa-p256",
		"exportable": false,
	})
	if err != nil {
		c.log.Error("Failed to create transit key", slog.String("alias", alias.String()), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyGenerationFailed, err)
	}

	c.Forget(alias)
	c.SetPolicy(alias, opts.RequireAuthPerUse)

	return c.Load(ctx, alias)
}

// Delete enables deletion on the transit key and removes it.
func (c *VaultTransitCustodian) Delete(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	existence, err := c.Exists(ctx, alias)
	if err != nil {
		return false, err
	}
	if existence == interfaces.ExistenceAbsent {
		return false, nil
	}

	_, err = c.client.Logical().WriteWithContext(ctx, c.keyPath(alias)+"/config", map[string]interface{}{
		"deletion_allowed": true,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.keyPath(alias)); err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	c.Forget(alias)
	return true, nil
}

// Exists reads the transit key metadata.
func (c *VaultTransitCustodian) Exists(ctx context.Context, alias interfaces.KeyAlias) (interfaces.Existence, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.keyPath(alias))
	if err != nil {
		return interfaces.ExistenceUnknown, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return interfaces.ExistenceAbsent, nil
	}
	return interfaces.ExistencePresent, nil
}

// Load returns the public key of the latest transit key version.
func (c *VaultTransitCustodian) Load(ctx context.Context, alias interfaces.KeyAlias) (*interfaces.KeyPairHandle, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.keyPath(alias))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	keys, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: transit key %s has no versions", interfaces.ErrStoreUnavailable, alias)
	}
	version := fmt.Sprint(secret.Data["latest_version"])
	entry, ok := keys[version].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: transit key %s is missing version %s", interfaces.ErrStoreUnavailable, alias, version)
	}

	pemStr, _ := entry["public_key"].(string)
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("%w: transit key %s has no PEM public key", interfaces.ErrStoreUnavailable, alias)
	}
	pub, err := cryptoutils.PublicKeyFromDER(block.Bytes)
	if err != nil {
		return nil, err
	}

	var createdAt time.Time
	if ts, ok := entry["creation_time"].(string); ok {
		createdAt, _ = time.Parse(time.RFC3339Nano, ts)
	}

	return &interfaces.KeyPairHandle{
		Alias:     alias,
		Scheme:    interfaces.SchemeECDSAP256SHA256,
		Public:    pub,
		CreatedAt: createdAt,
	}, nil
}

// Sign requests an ASN.1 ECDSA signature over SHA-256 of payload.
func (c *VaultTransitCustodian) Sign(ctx context.Context, alias interfaces.KeyAlias, payload []byte) ([]byte, error) {
	if err := c.Consume(alias); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/sign/%s/sha2-256", c.mountPath, alias)
	secret, err := c.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input":                base64.StdEncoding.EncodeToString(payload),
		"marshaling_algorithm": "asn1",
	})
	if err != nil {
		return nil, fmt.Errorf("transit sign failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	encoded, _ := secret.Data["signature"].(string)
	return parseTransitSignature(encoded)
}

// Verify checks a signature locally against an encoded public key.
func (c *VaultTransitCustodian) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	return cryptoutils.Verify(publicKey, payload, signature)
}

func (c *VaultTransitCustodian) keyPath(alias interfaces.KeyAlias) string {
	return fmt.Sprintf("%s/keys/%s", c.mountPath, alias)
}

// parseTransitSignature decodes the "vault:v<N>:<base64>" signature format.
func parseTransitSignature(encoded string) ([]byte, error) {
	parts := strings.SplitN(encoded, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" || !strings.HasPrefix(parts[1], "v") {
		return nil, fmt.Errorf("malformed transit signature %q", encoded)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed transit signature: %w", err)
	}
	return sig, nil
}
