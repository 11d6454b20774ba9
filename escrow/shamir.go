package escrow

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/vault/shamir"
)

const sharePrefix = "biosign-share"

var (
	// ErrAlreadyRecovered is returned when shares are submitted after the
	// secret has been reconstructed.
	ErrAlreadyRecovered = errors.New("secret already recovered")

	// ErrNotRecovered is returned when the secret is requested before enough
	// shares were submitted.
	ErrNotRecovered = errors.New("not enough shares to recover secret")

	// ErrDuplicateShare is returned when the same share is submitted twice.
	ErrDuplicateShare = errors.New("duplicate share")
)

// Share is one Shamir share of an escrowed secret. It records the threshold
// it was split with so that a holder of any single share knows how many are
// needed.
type Share struct {
	Threshold int
	Data      []byte
}

// String encodes the share as biosign-share-<threshold>-<hex>.
func (s Share) String() string {
	return fmt.Sprintf("%s-%d-%s", sharePrefix, s.Threshold, hex.EncodeToString(s.Data))
}

// ParseShare decodes a share produced by Share.String.
func ParseShare(text string) (Share, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), sharePrefix+"-")
	if !ok {
		return Share{}, errors.New("not a biosign share")
	}

	thresholdStr, dataHex, ok := strings.Cut(rest, "-")
	if !ok {
		return Share{}, errors.New("malformed share")
	}

	threshold, err := strconv.Atoi(thresholdStr)
	if err != nil || threshold < 2 {
		return Share{}, fmt.Errorf("invalid share threshold %q", thresholdStr)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return Share{}, fmt.Errorf("invalid share data: %w", err)
	}
	if len(data) < 2 {
		return Share{}, errors.New("share too short")
	}

	return Share{Threshold: threshold, Data: data}, nil
}

// ReadShares reads one share per line, skipping blank lines and lines
// starting with #.
func ReadShares(r io.Reader) ([]Share, error) {
	var shares []Share
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		share, err := ParseShare(line)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shares: %w", err)
	}
	return shares, nil
}

// Split divides secret into n shares, any threshold of which recover it.
func Split(secret []byte, n, threshold int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret must not be empty")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if n < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	parts, err := shamir.Split(secret, n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]Share, len(parts))
	for i, part := range parts {
		shares[i] = Share{Threshold: threshold, Data: part}
	}
	return shares, nil
}

// Combine recovers the secret from a complete set of shares.
func Combine(shares []Share) ([]byte, error) {
	c := NewCombiner()
	for _, share := range shares {
		done, err := c.Submit(share)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return c.Secret()
}

// Combiner collects shares one at a time, for example as holders present
// them, and reconstructs the secret once the threshold is met.
type Combiner struct {
	mu             sync.Mutex
	threshold      int
	receivedShares map[byte][]byte // keyed by the share's x coordinate
	secret         []byte
}

func NewCombiner() *Combiner {
	return &Combiner{receivedShares: make(map[byte][]byte)}
}

// Submit adds a share and reports whether the secret has been recovered.
func (c *Combiner) Submit(share Share) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.secret != nil {
		return true, ErrAlreadyRecovered
	}
	if len(share.Data) < 2 {
		return false, errors.New("share too short")
	}
	if c.threshold == 0 {
		c.threshold = share.Threshold
	} else if share.Threshold != c.threshold {
		return false, fmt.Errorf("share threshold %d does not match %d", share.Threshold, c.threshold)
	}

	tag := share.Data[len(share.Data)-1]
	if _, found := c.receivedShares[tag]; found {
		return false, ErrDuplicateShare
	}
	c.receivedShares[tag] = append([]byte(nil), share.Data...)

	return c.tryReconstruct()
}

// Remaining is the number of shares still needed, or 0 once recovered.
func (c *Combiner) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.secret != nil || c.threshold == 0 {
		return 0
	}
	return c.threshold - len(c.receivedShares)
}

// Secret returns a copy of the recovered secret.
func (c *Combiner) Secret() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.secret == nil {
		return nil, ErrNotRecovered
	}
	return append([]byte(nil), c.secret...), nil
}

// Wipe zeroes the recovered secret and any pending shares.
func (c *Combiner) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	wipeBytes(c.secret)
	c.secret = nil
	for tag, share := range c.receivedShares {
		wipeBytes(share)
		delete(c.receivedShares, tag)
	}
}

func (c *Combiner) tryReconstruct() (bool, error) {
	if len(c.receivedShares) < c.threshold {
		return false, nil
	}

	shares := make([][]byte, 0, len(c.receivedShares))
	for _, share := range c.receivedShares {
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return false, fmt.Errorf("failed to reconstruct secret: %w", err)
	}
	c.secret = secret

	for tag, share := range c.receivedShares {
		wipeBytes(share)
		delete(c.receivedShares, tag)
	}
	return true, nil
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
