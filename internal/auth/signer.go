// ABOUTME: Canonical request construction, NIM1 signing and signature verification
// ABOUTME: Signing keys cascade HMACs over timestamp, nonce and app id

package auth

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credential identifies who signed a message and when.
type Credential struct {
	Algorithm Algorithm
	AccessKey string
	Timestamp time.Time
	Nonce     uint64
	AppID     string
}

// BuildAuthHeader signs env with secret. The property and header name lists are
// lower-cased, sorted and de-duplicated; every named field must be present in env.
func BuildAuthHeader(cred Credential, properties, headers []string, env *Envelope, secret []byte) (*AuthHeader, error) {
	if !cred.Algorithm.Valid() {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHeader, cred.Algorithm)
	}
	if _, err := ParseAccessKey(cred.AccessKey); err != nil {
		return nil, err
	}
	if cred.AppID == "" || strings.ContainsAny(cred.AppID, "/, \t\r\n") {
		return nil, fmt.Errorf("%w: app id %q", ErrMalformedHeader, cred.AppID)
	}

	props := normalizeNames(properties)
	for _, p := range props {
		if !IsSignableProperty(p) {
			return nil, fmt.Errorf("%w: property %q is not signable", ErrMalformedHeader, p)
		}
	}
	hdrs := normalizeNames(headers)
	for _, h := range hdrs {
		if err := checkHeaderName(h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
	}

	canonical, err := canonicalRequest(cred.Algorithm, props, hdrs, env)
	if err != nil {
		return nil, err
	}

	ts := cred.Timestamp.UTC().Truncate(time.Second)
	key := signingKey(cred.Algorithm, secret, ts, cred.Nonce, cred.AppID)
	toSign := stringToSign(cred.Algorithm, ts, cred.Nonce, cred.AppID, canonical)

	return &AuthHeader{
		algorithm:        cred.Algorithm,
		accessKey:        cred.AccessKey,
		timestamp:        ts,
		nonce:            cred.Nonce,
		appID:            cred.AppID,
		signedProperties: props,
		signedHeaders:    hdrs,
		signature:        fmt.Sprintf("%x", cred.Algorithm.mac(key, []byte(toSign))),
	}, nil
}

// VerifySignature rebuilds the header from env using the fields h declares and
// compares it to h. A declared field missing from env fails with ErrMissingField.
func VerifySignature(h *AuthHeader, env *Envelope, secret []byte) error {
	cred := Credential{
		Algorithm: h.algorithm,
		AccessKey: h.accessKey,
		Timestamp: h.timestamp,
		Nonce:     h.nonce,
		AppID:     h.appID,
	}
	rebuilt, err := BuildAuthHeader(cred, h.signedProperties, h.signedHeaders, env, secret)
	if err != nil {
		return err
	}
	if !rebuilt.Equal(h) {
		return ErrInvalidSignature
	}
	return nil
}

// ValidateMessage checks that the transport timestamp, the header timestamp and
// the body timestamp agree to the second, that the header app id matches both
// the transport app id and appID, and finally verifies the signature.
func ValidateMessage(h *AuthHeader, env *Envelope, bodyTime time.Time, appID string, secret []byte) error {
	if env.Properties.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp property", ErrMissingField)
	}
	hdrSec := h.timestamp.Unix()
	if env.Properties.Timestamp.Unix() != hdrSec {
		return fmt.Errorf("%w: transport %s, header %s", ErrTimestampMismatch,
			env.Properties.Timestamp.UTC().Format(time.RFC3339), h.timestamp.Format(time.RFC3339))
	}
	if bodyTime.Unix() != hdrSec {
		return fmt.Errorf("%w: body %s, header %s", ErrTimestampMismatch,
			bodyTime.UTC().Format(time.RFC3339), h.timestamp.Format(time.RFC3339))
	}
	if h.appID != env.Properties.AppID || h.appID != appID {
		return fmt.Errorf("%w: header %q, transport %q, expected %q", ErrAppIDMismatch,
			h.appID, env.Properties.AppID, appID)
	}
	return VerifySignature(h, env, secret)
}

// CheckAlgorithm rejects headers signed with anything but want. The
// verifier otherwise trusts the header's own algorithm, and NULL needs no
// secret at all.
func CheckAlgorithm(h *AuthHeader, want Algorithm) error {
	if h.algorithm != want {
		return fmt.Errorf("%w: got %s, want %s", ErrAlgorithmMismatch, h.algorithm, want)
	}
	return nil
}

// DefaultSignedProperties are the properties senders in this module sign.
var DefaultSignedProperties = []string{"app-id", "content-type", "message-id", "timestamp", "type"}

// SignEnvelope signs env and stores the result in its Authorization header.
func SignEnvelope(env *Envelope, cred Credential, properties, headers []string, secret []byte) (*AuthHeader, error) {
	h, err := BuildAuthHeader(cred, properties, headers, env, secret)
	if err != nil {
		return nil, err
	}
	env.SetHeader(HeaderName, h.String())
	return h, nil
}

// ExtractAuthHeader parses the Authorization header of env.
func ExtractAuthHeader(env *Envelope) (*AuthHeader, error) {
	raw, ok := env.Header(HeaderName)
	if !ok || raw == "" {
		return nil, ErrMissingAuthorization
	}
	return ParseAuthHeader(raw)
}

func signingKey(alg Algorithm, secret []byte, ts time.Time, nonce uint64, appID string) []byte {
	k := alg.mac(append([]byte("NIM1"), secret...), []byte(formatTimestamp(ts)))
	k = alg.mac(k, []byte(strconv.FormatUint(nonce, 10)))
	return alg.mac(k, []byte(appID))
}

func stringToSign(alg Algorithm, ts time.Time, nonce uint64, appID, canonical string) string {
	stamp := formatTimestamp(ts)
	return string(alg) + "\n" +
		stamp + "\n" +
		stamp + "/" + strconv.FormatUint(nonce, 10) + "/" + appID + "\n" +
		alg.hexDigest([]byte(canonical))
}

func canonicalRequest(alg Algorithm, props, hdrs []string, env *Envelope) (string, error) {
	var b strings.Builder
	for _, p := range props {
		v, ok := env.Properties.Lookup(p)
		if !ok {
			return "", fmt.Errorf("%w: property %q", ErrMissingField, p)
		}
		b.WriteString(p + ":" + v + "\n")
	}
	b.WriteString("\n" + strings.Join(props, ";") + "\n")

	for _, h := range hdrs {
		v, ok := env.Header(h)
		if !ok {
			return "", fmt.Errorf("%w: header %q", ErrMissingField, h)
		}
		b.WriteString(h + ":" + strings.TrimSpace(v) + "\n")
	}
	b.WriteString("\n" + strings.Join(hdrs, ";") + "\n")

	b.WriteString(alg.hexDigest(env.Body))
	return b.String(), nil
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	j := 0
	for i, n := range out {
		if i > 0 && n == out[j-1] {
			continue
		}
		out[j] = n
		j++
	}
	return out[:j]
}
