package custodian

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ruteri/tee-biometric-signer/escrow"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/storage"
)

// Custodian is a key store that also accepts gate authorizations.
type Custodian interface {
	interfaces.KeyCustodian
	interfaces.AuthorizationSink
}

var (
	_ Custodian = (*SoftwareCustodian)(nil)
	_ Custodian = (*SealedCustodian)(nil)
	_ Custodian = (*AWSKMSCustodian)(nil)
	_ Custodian = (*VaultTransitCustodian)(nil)
)

// NewFromURI creates a custodian from a location URI.
//
// Supported schemes:
//   - memory:// - in-process keys, lost on exit
//   - file:///dir - sealed key records under dir
//   - s3://bucket/prefix?region=R&endpoint=URL - sealed key records in S3
//   - awskms://region?endpoint=URL - AWS KMS, credentials from the environment
//     or from ACCESS_KEY:SECRET_KEY@ userinfo
//   - vault://host:port/mount?token-env=VAR&tls=false - Vault transit engine
//
// Sealed stores take the passphrase from the variable named by
// passphrase-env (default BIOSIGN_PASSPHRASE), or reconstruct it from the
// escrow shares in shares-file. Several comma-separated file and s3 URIs
// mirror the sealed records across all of them.
func NewFromURI(uri string, log *slog.Logger) (Custodian, error) {
	if strings.Contains(uri, ",") {
		return createSealedCustodian(strings.Split(uri, ","), log)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid custodian URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		log.Debug("Creating in-memory custodian")
		return NewSoftwareCustodian(log), nil
	case "file", "s3":
		return createSealedCustodian([]string{uri}, log)
	case "awskms":
		return createAWSKMSCustodian(u, log)
	case "vault":
		return createVaultCustodian(u, log)
	default:
		return nil, fmt.Errorf("unsupported custodian scheme: %s", u.Scheme)
	}
}

func createSealedCustodian(uris []string, log *slog.Logger) (Custodian, error) {
	var query url.Values
	for i, uri := range uris {
		uris[i] = strings.TrimSpace(uri)
		u, err := url.Parse(uris[i])
		if err != nil {
			return nil, fmt.Errorf("invalid custodian URI: %w", err)
		}
		if query == nil {
			query = u.Query()
		}
	}

	passphrase, err := sealingPassphrase(query)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewFromURIs(uris, log)
	if err != nil {
		return nil, err
	}

	log.Debug("Creating sealed custodian", slog.String("store", store.LocationURI()))
	return NewSealedCustodian(store, passphrase, log)
}

// sealingPassphrase reads the passphrase settings of the first store URI.
func sealingPassphrase(query url.Values) ([]byte, error) {
	if sharesFile := query.Get("shares-file"); sharesFile != "" {
		f, err := os.Open(sharesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open shares file: %w", err)
		}
		defer f.Close()

		shares, err := escrow.ReadShares(f)
		if err != nil {
			return nil, err
		}
		passphrase, err := escrow.Combine(shares)
		if err != nil {
			return nil, fmt.Errorf("failed to recover sealing passphrase: %w", err)
		}
		return passphrase, nil
	}

	envVar := query.Get("passphrase-env")
	if envVar == "" {
		envVar = "BIOSIGN_PASSPHRASE"
	}
	passphrase := os.Getenv(envVar)
	if passphrase == "" {
		return nil, fmt.Errorf("sealing passphrase not set in %s", envVar)
	}
	return []byte(passphrase), nil
}

func createAWSKMSCustodian(u *url.URL, log *slog.Logger) (Custodian, error) {
	log.Debug("Creating AWS KMS custodian", slog.String("uri", u.Redacted()))

	region := u.Host
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewAWSKMSCustodian(region, u.Query().Get("endpoint"), accessKey, secretKey, log)
}

func createVaultCustodian(u *url.URL, log *slog.Logger) (Custodian, error) {
	log.Debug("Creating Vault transit custodian", slog.String("uri", u.Redacted()))

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	cfg := VaultTransitConfig{
		Address:     fmt.Sprintf("%s://%s", scheme, u.Host),
		MountPath:   strings.TrimPrefix(u.Path, "/"),
		InsecureTLS: query.Get("insecure") == "true",
	}

	tokenEnv := query.Get("token-env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}
	cfg.Token = os.Getenv(tokenEnv)

	if retries := query.Get("retries"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid retries value %q: %w", retries, err)
		}
		cfg.MaxRetries = n
	}

	return NewVaultTransitCustodian(cfg, log)
}
