package verifyhandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/tee-biometric-signer/api"
	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// Verify asks a remote verify service whether signature is valid for payload
// under publicKey.
//
// Parameters:
//   - url: Base URL of the service (e.g., "https://verify.example.com")
//   - publicKey: text encoding of the signer's public key
//   - payload: the signed text
//   - signature: raw signature bytes
func Verify(ctx context.Context, url string, publicKey interfaces.PublicKeyEncoding, payload string, signature []byte) (bool, error) {
	body, err := json.Marshal(api.VerifyRequest{
		PublicKey: publicKey,
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return false, fmt.Errorf("could not encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/public/verify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("could not request verification: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("could not read verify response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return false, fmt.Errorf("verify service returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return false, fmt.Errorf("verify service returned %d", resp.StatusCode)
	}

	var verifyResp api.VerifyResponse
	if err := json.Unmarshal(respBody, &verifyResp); err != nil {
		return false, fmt.Errorf("could not parse verify response: %w", err)
	}
	return verifyResp.Valid, nil
}
