// Package scope parses raw OAuth scope values into structured scope requests.
package scope

import (
	"log/slog"
	"strings"
)

// ParameterDelimiter separates a parameterized scope's name from its parameter,
// e.g. "transaction:42"
const ParameterDelimiter = ":"

// ParsedScopeValue is one structured scope request
type ParsedScopeValue struct {
	// RawValue is the token exactly as it was requested
	RawValue string

	// ParsedName is the scope name; equals RawValue for plain scopes
	ParsedName string

	// ParsedParameter is the parameter of a parameterized scope, empty otherwise
	ParsedParameter string
}

// InvalidScope is a raw value that failed to parse
type InvalidScope struct {
	RawValue string
	Error    string
}

// ParsedScopesResult holds the valid values in request order, duplicates included,
// together with every invalid raw value.
type ParsedScopesResult struct {
	Values []ParsedScopeValue
	Errors []InvalidScope
}

// Succeeded reports whether every raw value parsed
func (r ParsedScopesResult) Succeeded() bool {
	return len(r.Errors) == 0
}

// RawValues returns the raw tokens of the valid values, in order
func (r ParsedScopesResult) RawValues() []string {
	out := make([]string, 0, len(r.Values))
	for _, v := range r.Values {
		out = append(out, v.RawValue)
	}
	return out
}

// Names returns the distinct scope names of the valid values, in first-seen order
func (r ParsedScopesResult) Names() []string {
	seen := make(map[string]struct{}, len(r.Values))
	out := make([]string, 0, len(r.Values))
	for _, v := range r.Values {
		if _, ok := seen[v.ParsedName]; ok {
			continue
		}
		seen[v.ParsedName] = struct{}{}
		out = append(out, v.ParsedName)
	}
	return out
}

// ParserConfig configures a Parser
type ParserConfig struct {
	// ParameterizedScopes lists scope names that accept a ":parameter" suffix.
	// Any other value is taken whole, colon included.
	ParameterizedScopes []string

	Logger *slog.Logger
}

// Parser converts raw scope tokens into ParsedScopesResult. It is safe for concurrent use.
type Parser struct {
	parameterized map[string]struct{}
	logger        *slog.Logger
}

// NewParser creates a parser
func NewParser(cfg ParserConfig) *Parser {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Parser{
		parameterized: make(map[string]struct{}, len(cfg.ParameterizedScopes)),
		logger:        logger,
	}
	for _, name := range cfg.ParameterizedScopes {
		p.parameterized[name] = struct{}{}
	}
	return p
}

// Parse parses every raw value in one pass. It never fails as a whole: invalid values
// are collected in Errors and valid ones keep their relative order.
func (p *Parser) Parse(raw []string) ParsedScopesResult {
	var result ParsedScopesResult

	for _, value := range raw {
		parsed, reason := p.parseValue(value)
		if reason != "" {
			p.logger.Debug("Invalid scope value", "scope", value, "reason", reason)
			result.Errors = append(result.Errors, InvalidScope{RawValue: value, Error: reason})
			continue
		}
		result.Values = append(result.Values, parsed)
	}

	return result
}

func (p *Parser) parseValue(value string) (ParsedScopeValue, string) {
	if value == "" {
		return ParsedScopeValue{}, "empty scope value"
	}
	if !isScopeToken(value) {
		return ParsedScopeValue{}, "scope contains invalid characters"
	}

	if name, param, found := strings.Cut(value, ParameterDelimiter); found {
		if _, ok := p.parameterized[name]; ok {
			if param == "" {
				return ParsedScopeValue{}, "parameterized scope is missing its parameter"
			}
			return ParsedScopeValue{RawValue: value, ParsedName: name, ParsedParameter: param}, ""
		}
	}

	return ParsedScopeValue{RawValue: value, ParsedName: value}, ""
}

// isScopeToken reports whether s consists only of RFC 6749 scope-token characters:
// %x21 / %x23-5B / %x5D-7E
func isScopeToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c > 0x7E || c == 0x22 || c == 0x5C {
			return false
		}
	}
	return true
}

// Serialize rebuilds the space-delimited scope string from parsed values
func Serialize(values []ParsedScopeValue) string {
	raw := make([]string, 0, len(values))
	for _, v := range values {
		raw = append(raw, v.RawValue)
	}
	return strings.Join(raw, " ")
}

// SplitScopeString splits a space-delimited scope parameter. Runs of spaces produce no
// empty values.
func SplitScopeString(s string) []string {
	return strings.Fields(s)
}

// Join joins scope names with single spaces
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}
