// ABOUTME: AuthHeader value type for the NIM1 Authorization header
// ABOUTME: Parsing uses a single regular expression and rejects unsorted or duplicate lists

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Signature errors
var (
	ErrMalformedHeader      = errors.New("malformed authorization header")
	ErrMissingField         = errors.New("signed field missing from envelope")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrTimestampMismatch    = errors.New("timestamp mismatch")
	ErrAppIDMismatch        = errors.New("app id mismatch")
	ErrInvalidAccessKey     = errors.New("invalid access key")
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrAlgorithmMismatch    = errors.New("unexpected signing algorithm")
)

// TimestampFormat is the layout of the credential timestamp.
const TimestampFormat = "20060102T150405Z"

var headerPattern = regexp.MustCompile(
	`^(NIM1-HMAC-(?:NULL|SHA224|SHA256|SHA384|SHA512)) ` +
		`Credential=([0-9a-f]{32})/(\d{8}T\d{6}Z)/(\d{1,20})/([^/,\s]+), ` +
		`SignedProperties=([a-z;-]*), ` +
		`SignedHeaders=([^,\s]*), ` +
		`Signature=([0-9a-f]*)$`)

// AuthHeader is the parsed form of a NIM1 Authorization header. It is immutable.
type AuthHeader struct {
	algorithm        Algorithm
	accessKey        string
	timestamp        time.Time
	nonce            uint64
	appID            string
	signedProperties []string
	signedHeaders    []string
	signature        string
}

func (h *AuthHeader) Algorithm() Algorithm { return h.algorithm }
func (h *AuthHeader) AccessKey() string    { return h.accessKey }
func (h *AuthHeader) Timestamp() time.Time { return h.timestamp }
func (h *AuthHeader) Nonce() uint64        { return h.nonce }
func (h *AuthHeader) AppID() string        { return h.appID }
func (h *AuthHeader) Signature() string    { return h.signature }

// SignedProperties returns a copy of the sorted signed property names.
func (h *AuthHeader) SignedProperties() []string {
	return append([]string(nil), h.signedProperties...)
}

// SignedHeaders returns a copy of the sorted signed header names.
func (h *AuthHeader) SignedHeaders() []string {
	return append([]string(nil), h.signedHeaders...)
}

// String renders the header in its wire form.
func (h *AuthHeader) String() string {
	var b strings.Builder
	b.WriteString(string(h.algorithm))
	b.WriteString(" Credential=")
	b.WriteString(credentialScope(h.accessKey, h.timestamp, h.nonce, h.appID))
	b.WriteString(", SignedProperties=")
	b.WriteString(strings.Join(h.signedProperties, ";"))
	b.WriteString(", SignedHeaders=")
	b.WriteString(strings.Join(h.signedHeaders, ";"))
	b.WriteString(", Signature=")
	b.WriteString(h.signature)
	return b.String()
}

// Equal reports whether two headers render identically. The comparison is constant time.
func (h *AuthHeader) Equal(o *AuthHeader) bool {
	if h == nil || o == nil {
		return h == o
	}
	return subtle.ConstantTimeCompare([]byte(h.String()), []byte(o.String())) == 1
}

func credentialScope(accessKey string, ts time.Time, nonce uint64, appID string) string {
	return accessKey + "/" + formatTimestamp(ts) + "/" + strconv.FormatUint(nonce, 10) + "/" + appID
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampFormat)
}

// ParseAuthHeader parses the wire form of an Authorization header.
func ParseAuthHeader(s string) (*AuthHeader, error) {
	m := headerPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, ErrMalformedHeader
	}

	ts, err := time.Parse(TimestampFormat, m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedHeader, err)
	}
	nonce, err := strconv.ParseUint(m[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedHeader, err)
	}

	props, err := splitSortedList(m[6])
	if err != nil {
		return nil, fmt.Errorf("%w: signed properties: %v", ErrMalformedHeader, err)
	}
	for _, p := range props {
		if !IsSignableProperty(p) {
			return nil, fmt.Errorf("%w: property %q is not signable", ErrMalformedHeader, p)
		}
	}
	hdrs, err := splitSortedList(m[7])
	if err != nil {
		return nil, fmt.Errorf("%w: signed headers: %v", ErrMalformedHeader, err)
	}
	for _, name := range hdrs {
		if err := checkHeaderName(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
	}

	return &AuthHeader{
		algorithm:        Algorithm(m[1]),
		accessKey:        m[2],
		timestamp:        ts.UTC(),
		nonce:            nonce,
		appID:            m[5],
		signedProperties: props,
		signedHeaders:    hdrs,
		signature:        m[8],
	}, nil
}

// splitSortedList splits a ';'-joined list that must be strictly ascending.
func splitSortedList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	for i, p := range parts {
		if p == "" {
			return nil, errors.New("empty name")
		}
		if i > 0 && parts[i-1] >= p {
			return nil, fmt.Errorf("%q out of order or duplicated", p)
		}
	}
	return parts, nil
}

func checkHeaderName(name string) error {
	if name != strings.ToLower(name) {
		return fmt.Errorf("header %q is not lower case", name)
	}
	if name == strings.ToLower(HeaderName) {
		return errors.New("authorization header cannot be signed")
	}
	return nil
}
