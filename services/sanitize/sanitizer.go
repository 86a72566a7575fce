// Package sanitize redacts sensitive request parameters and produces the
// canonical request hash used by audit, policy caching and idempotency.
//
// Canonical form: sensitive values are replaced by salted markers and the
// result is serialized with RFC 8785 (JSON Canonicalization Scheme), which
// writes every number as an IEEE 754 double. The hash is
// "sha256:" + hex(SHA-256(form)).
//
// Two number literals that round to the same double would share a hash, so
// DecodeParams only admits numbers the double form represents without
// collision: integers within ±2^53 and other literals of at most 15
// significant digits.
package sanitize

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

const (
	// HashPrefix is prepended to every request hash
	HashPrefix = "sha256:"

	redactedPrefix = "[REDACTED:"

	defaultSummaryBytes = 2048

	maxExactInt     = 1 << 53
	maxDecimalDigit = 15
)

// ErrImpreciseNumber is returned by DecodeParams for a number literal that
// would lose precision in canonical form
var ErrImpreciseNumber = errors.New("number cannot be represented exactly")

// sensitiveKeys are matched against normalized field names
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"pwd":           {},
	"secret":        {},
	"token":         {},
	"apikey":        {},
	"authorization": {},
	"auth":          {},
	"cookie":        {},
	"privatekey":    {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"idtoken":       {},
	"sessiontoken":  {},
	"clientsecret":  {},
	"credential":    {},
	"credentials":   {},
	"ssn":           {},
	"cardnumber":    {},
	"creditcard":    {},
	"cvv":           {},
}

// sensitiveFragments match anywhere inside a normalized field name
var sensitiveFragments = []string{"password", "secret", "token", "apikey", "privatekey"}

// valuePatterns catch secrets stored under innocuous field names
var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`),
	regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9\-]{40,}\b`),
	regexp.MustCompile(`\bacp_[A-Za-z0-9]{8,}_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`),
}

// Sanitizer redacts and hashes parameters. It is safe for concurrent use.
type Sanitizer struct {
	salt         []byte
	summaryBytes int
}

// Option configures a Sanitizer
type Option func(*Sanitizer)

// WithSummaryBytes bounds the size of Summary output
func WithSummaryBytes(n int) Option {
	return func(s *Sanitizer) {
		if n > 0 {
			s.summaryBytes = n
		}
	}
}

// New creates a Sanitizer. The salt keys redaction markers so that distinct
// secret values still produce distinct request hashes.
func New(salt string, opts ...Option) *Sanitizer {
	s := &Sanitizer{
		salt:         []byte(salt),
		summaryBytes: defaultSummaryBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DecodeParams parses a raw params value into an object. Numbers are kept as
// json.Number and rejected with ErrImpreciseNumber when their canonical
// double form could collide with another literal. An absent value decodes to
// an empty object.
func DecodeParams(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]interface{}{}, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("params must be a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var params map[string]interface{}
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("params must be a single JSON object")
	}
	if params == nil {
		return nil, fmt.Errorf("params must be a JSON object")
	}
	if err := checkNumbers(params); err != nil {
		return nil, err
	}
	return params, nil
}

func checkNumbers(v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, val := range t {
			if err := checkNumbers(val); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, val := range t {
			if err := checkNumbers(val); err != nil {
				return err
			}
		}
	case json.Number:
		if !exactNumber(string(t)) {
			return fmt.Errorf("%w: %s", ErrImpreciseNumber, t)
		}
	}
	return nil
}

// exactNumber reports whether distinct literals can never share lit's double
func exactNumber(lit string) bool {
	if !strings.ContainsAny(lit, ".eE") {
		n, err := strconv.ParseInt(lit, 10, 64)
		return err == nil && n >= -maxExactInt && n <= maxExactInt
	}

	mantissa := strings.TrimPrefix(lit, "-")
	if i := strings.IndexAny(mantissa, "eE"); i >= 0 {
		mantissa = mantissa[:i]
	}
	digits := strings.Replace(mantissa, ".", "", 1)
	digits = strings.TrimRight(strings.TrimLeft(digits, "0"), "0")
	if len(digits) > maxDecimalDigit {
		return false
	}

	_, err := strconv.ParseFloat(lit, 64)
	return err == nil
}

// IsSensitiveKey reports whether a field name is treated as secret
func IsSensitiveKey(key string) bool {
	norm := normalizeKey(key)
	if _, ok := sensitiveKeys[norm]; ok {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(norm, frag) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of params with sensitive values replaced
func (s *Sanitizer) Redact(params map[string]interface{}) map[string]interface{} {
	out, _ := s.redactValue(params).(map[string]interface{})
	return out
}

func (s *Sanitizer) redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = s.marker(val)
				continue
			}
			out[k] = s.redactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = s.redactValue(val)
		}
		return out
	case string:
		for _, p := range valuePatterns {
			if p.MatchString(t) {
				return s.marker(t)
			}
		}
		return t
	default:
		return t
	}
}

// marker replaces a value with a salted digest of its canonical form
func (s *Sanitizer) marker(v interface{}) string {
	raw, err := canonical(v)
	if err != nil {
		raw = []byte(fmt.Sprint(v))
	}
	mac := hmac.New(sha256.New, s.salt)
	mac.Write(raw)
	return redactedPrefix + hex.EncodeToString(mac.Sum(nil))[:12] + "]"
}

// Canonicalize returns the RFC 8785 form of the redacted params
func (s *Sanitizer) Canonicalize(params map[string]interface{}) ([]byte, error) {
	return canonical(s.Redact(params))
}

// Hash returns the canonical content hash of the redacted params
func (s *Sanitizer) Hash(params map[string]interface{}) (string, error) {
	form, err := s.Canonicalize(params)
	if err != nil {
		return "", err
	}
	return HashBytes(form), nil
}

// HashBytes returns the prefixed SHA-256 digest of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashString returns a salted digest suitable for logging identifiers such
// as idempotency keys
func (s *Sanitizer) HashString(v string) string {
	if v == "" {
		return ""
	}
	mac := hmac.New(sha256.New, s.salt)
	mac.Write([]byte(v))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Summary returns a redacted description of params for an external policy
// authority. Listed key names and included values share one byte budget;
// keys are listed first in sorted order, then values are added while the
// budget allows. The encoded summary stays within the budget plus a small
// fixed envelope.
func (s *Sanitizer) Summary(params map[string]interface{}) map[string]interface{} {
	redacted := s.Redact(params)

	names := make([]string, 0, len(redacted))
	for k := range redacted {
		names = append(names, k)
	}
	sort.Strings(names)

	budget := s.summaryBytes
	truncated := false

	keys := make([]string, 0, len(names))
	for _, k := range names {
		cost := quotedLen(k) + 1
		if cost > budget {
			truncated = true
			break
		}
		budget -= cost
		keys = append(keys, k)
	}

	values := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		raw, err := canonical(redacted[k])
		cost := quotedLen(k) + len(raw) + 2
		if err != nil || cost > budget {
			truncated = true
			continue
		}
		budget -= cost
		values[k] = json.RawMessage(raw)
	}

	return map[string]interface{}{
		"keys":      keys,
		"values":    values,
		"truncated": truncated,
	}
}

func canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	form, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize params: %w", err)
	}
	return form, nil
}

// quotedLen is the encoded length of a JSON string
func quotedLen(v string) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return len(v) + 2
	}
	return len(raw)
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(key)
}
