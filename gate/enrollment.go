package gate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// TemplateParams are the argon2id parameters used to derive a template from
// a sample.
type TemplateParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	KeyLen  uint32 `json:"key_len"`
}

// DefaultTemplateParams matches the parameters used for key sealing.
var DefaultTemplateParams = TemplateParams{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
}

// Enrollment is a stored biometric reference. Only a salted argon2id hash of
// the enrolled sample is kept.
type Enrollment struct {
	Salt       []byte         `json:"salt"`
	Template   []byte         `json:"template"`
	Params     TemplateParams `json:"params"`
	EnrolledAt time.Time      `json:"enrolled_at"`
}

// Enroll derives a new enrollment from sample.
func Enroll(sample string, params TemplateParams) (*Enrollment, error) {
	sample = normalizeSample(sample)
	if sample == "" {
		return nil, errors.New("enrollment sample must not be empty")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &Enrollment{
		Salt:       salt,
		Template:   deriveTemplate(sample, salt, params),
		Params:     params,
		EnrolledAt: time.Now().UTC(),
	}, nil
}

// Matches reports whether sample corresponds to the enrolled template.
func (e *Enrollment) Matches(sample string) bool {
	sample = normalizeSample(sample)
	if sample == "" {
		return false
	}
	candidate := deriveTemplate(sample, e.Salt, e.Params)
	return subtle.ConstantTimeCompare(candidate, e.Template) == 1
}

// LoadEnrollment reads an enrollment file.
func LoadEnrollment(path string) (*Enrollment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read enrollment: %w", err)
	}

	var e Enrollment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse enrollment: %w", err)
	}
	if len(e.Salt) == 0 || len(e.Template) == 0 || e.Params.KeyLen == 0 {
		return nil, errors.New("enrollment is incomplete")
	}
	return &e, nil
}

// Save writes the enrollment to path with owner-only permissions.
func (e *Enrollment) Save(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode enrollment: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create enrollment directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write enrollment: %w", err)
	}
	return nil
}

func deriveTemplate(sample string, salt []byte, p TemplateParams) []byte {
	return argon2.IDKey([]byte(sample), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

func normalizeSample(sample string) string {
	return strings.TrimSpace(sample)
}
