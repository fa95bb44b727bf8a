package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// LivePasswordPrefix marks a live password hash that wraps a legacy hash.
const LivePasswordPrefix = "legacy-bcrypt$"

// LegacyPassword is the decoded content of a legacy password column.
type LegacyPassword struct {
	Algorithm string
	Hash      string
	Decoded   bool
}

// passwordStep is one fallible stage of the decode pipeline. A false return
// stops the pipeline and the raw input is kept.
type passwordStep func(in []byte, out *LegacyPassword) ([]byte, bool)

var passwordSteps = []passwordStep{
	hexStep,
	utf8Step,
	jsonStep,
}

// DecodeLegacyPassword extracts the hash from the legacy hex+JSON password format.
// Any failure returns raw unchanged.
func DecodeLegacyPassword(raw string) string {
	return DecodeLegacyPasswordDetail(raw).Hash
}

// DecodeLegacyPasswordDetail is DecodeLegacyPassword that also reports the
// algorithm and whether decoding succeeded.
func DecodeLegacyPasswordDetail(raw string) LegacyPassword {
	out := LegacyPassword{}
	data := []byte(raw)
	for _, step := range passwordSteps {
		var ok bool
		data, ok = step(data, &out)
		if !ok {
			return LegacyPassword{Hash: raw}
		}
	}
	out.Decoded = true
	return out
}

func hexStep(in []byte, _ *LegacyPassword) ([]byte, bool) {
	s := strings.TrimSpace(string(in))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, false
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

func utf8Step(in []byte, _ *LegacyPassword) ([]byte, bool) {
	return in, utf8.Valid(in)
}

func jsonStep(in []byte, out *LegacyPassword) ([]byte, bool) {
	var payload struct {
		Algorithm string `json:"algorithm"`
		Hash      any    `json:"hash"`
	}
	if err := json.Unmarshal(in, &payload); err != nil {
		return nil, false
	}
	hash, ok := payload.Hash.(string)
	if !ok || hash == "" {
		return nil, false
	}
	out.Algorithm = payload.Algorithm
	out.Hash = hash
	return []byte(hash), true
}

// EncodeLegacyPassword produces the legacy storage format for a hash. It is the
// inverse of DecodeLegacyPassword and exists for fixtures and tests.
func EncodeLegacyPassword(algorithm, hash string) string {
	payload, _ := json.Marshal(map[string]string{"algorithm": algorithm, "hash": hash})
	return "0x" + strings.ToUpper(hex.EncodeToString(payload))
}

// PasswordHasher re-hashes legacy hashes into the live password format.
type PasswordHasher struct {
	Cost int
}

// NewPasswordHasher returns a hasher with the given bcrypt cost, or the default when cost is 0.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{Cost: cost}
}

// Rehash wraps a legacy hash (decoded or opaque) in the live format.
// The legacy hash is pre-digested with SHA-256 so its length never exceeds bcrypt's limit.
func (h *PasswordHasher) Rehash(legacyHash string) (string, error) {
	if legacyHash == "" {
		return "", errors.New("empty legacy password hash")
	}
	if IsLivePassword(legacyHash) {
		return legacyHash, nil
	}
	sum, err := bcrypt.GenerateFromPassword([]byte(digest(legacyHash)), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to re-hash legacy password: %w", err)
	}
	return LivePasswordPrefix + string(sum), nil
}

// IsLivePassword reports whether value is already in the live format.
func IsLivePassword(value string) bool {
	return strings.HasPrefix(value, LivePasswordPrefix)
}

// MatchesLegacyHash reports whether a live password value was produced from legacyHash.
func MatchesLegacyHash(live, legacyHash string) bool {
	if live == legacyHash {
		return true
	}
	if !IsLivePassword(live) {
		return false
	}
	stored := strings.TrimPrefix(live, LivePasswordPrefix)
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(digest(legacyHash))) == nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
