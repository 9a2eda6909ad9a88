package device

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// User code types
const (
	// UserCodeTypeBase20 produces XXXX-XXXX codes from consonants without look-alike glyphs
	UserCodeTypeBase20 = "Base20"

	// UserCodeTypeNumeric produces 9 digit codes for numeric keypads
	UserCodeTypeNumeric = "Numeric"
)

// base20Alphabet has no vowels (no accidental words) and no glyphs easily confused with
// digits or each other
const base20Alphabet = "BCDFGHJKLMNPQRSTVWXZ"

// UserCodeGenerator produces human-enterable user codes of one type
type UserCodeGenerator interface {
	// Type returns the user code type the generator is registered under
	Type() string

	// Generate returns a new random user code in display form
	Generate() (string, error)

	// Normalize turns user input into display form so that "abcd efgh" matches "ABCD-EFGH".
	// It returns the empty string when the input cannot be a code of this type.
	Normalize(input string) string
}

// Base20Generator generates 8 character codes formatted XXXX-XXXX
type Base20Generator struct{}

// Type implements UserCodeGenerator
func (Base20Generator) Type() string { return UserCodeTypeBase20 }

// Generate implements UserCodeGenerator
func (Base20Generator) Generate() (string, error) {
	raw, err := randomString(base20Alphabet, 8)
	if err != nil {
		return "", err
	}
	return raw[:4] + "-" + raw[4:], nil
}

// Normalize implements UserCodeGenerator
func (Base20Generator) Normalize(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		switch {
		case strings.ContainsRune(base20Alphabet, r):
			b.WriteRune(r)
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	raw := b.String()
	if len(raw) != 8 {
		return ""
	}
	return raw[:4] + "-" + raw[4:]
}

// NumericGenerator generates 9 digit codes
type NumericGenerator struct{}

// Type implements UserCodeGenerator
func (NumericGenerator) Type() string { return UserCodeTypeNumeric }

// Generate implements UserCodeGenerator
func (NumericGenerator) Generate() (string, error) {
	return randomString("0123456789", 9)
}

// Normalize implements UserCodeGenerator
func (NumericGenerator) Normalize(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	if b.Len() != 9 {
		return ""
	}
	return b.String()
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// UserCodeService holds the registered user code generators
type UserCodeService struct {
	mu         sync.RWMutex
	generators map[string]UserCodeGenerator
	order      []string // registration order, used by Normalize
}

// NewUserCodeService creates a service with the Base20 and Numeric generators plus any
// additional ones. Later generators replace earlier ones of the same type.
func NewUserCodeService(extra ...UserCodeGenerator) *UserCodeService {
	s := &UserCodeService{generators: make(map[string]UserCodeGenerator)}
	s.Register(Base20Generator{})
	s.Register(NumericGenerator{})
	for _, g := range extra {
		s.Register(g)
	}
	return s
}

// Register adds or replaces a generator
func (s *UserCodeService) Register(g UserCodeGenerator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generators[g.Type()]; !ok {
		s.order = append(s.order, g.Type())
	}
	s.generators[g.Type()] = g
}

// Generator returns the generator registered for codeType
func (s *UserCodeService) Generator(codeType string) (UserCodeGenerator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.generators[codeType]
	if !ok {
		return nil, fmt.Errorf("no user code generator registered for type %q", codeType)
	}
	return g, nil
}

// Normalize tries the registered generators in registration order and returns the first
// non-empty display form. The built-in Base20 and Numeric generators always come first.
func (s *UserCodeService) Normalize(input string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.order {
		if code := s.generators[t].Normalize(input); code != "" {
			return code
		}
	}
	return ""
}
