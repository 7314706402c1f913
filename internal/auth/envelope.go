// ABOUTME: Transport envelope carrying a message body with AMQP-style properties and headers
// ABOUTME: Provides the canonical lookup used when signing or verifying allow-listed fields

package auth

import (
	"strconv"
	"strings"
	"time"
)

// HeaderName is the transport header that carries the AuthHeader.
const HeaderName = "Authorization"

// Properties are the basic transport properties of a message.
// Zero values mean the property is absent.
type Properties struct {
	AppID           string    `json:"app-id,omitempty"`
	ClusterID       string    `json:"cluster-id,omitempty"`
	ContentEncoding string    `json:"content-encoding,omitempty"`
	ContentType     string    `json:"content-type,omitempty"`
	CorrelationID   string    `json:"correlation-id,omitempty"`
	DeliveryMode    uint8     `json:"delivery-mode,omitempty"`
	Expiration      string    `json:"expiration,omitempty"`
	MessageID       string    `json:"message-id,omitempty"`
	Priority        uint8     `json:"priority,omitempty"`
	ReplyTo         string    `json:"reply-to,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type,omitempty"`
	UserID          string    `json:"user-id,omitempty"`
}

// SignableProperties is the allow-list of property names that may be signed.
var SignableProperties = []string{
	"app-id",
	"cluster-id",
	"content-encoding",
	"content-type",
	"correlation-id",
	"delivery-mode",
	"expiration",
	"message-id",
	"priority",
	"reply-to",
	"timestamp",
	"type",
	"user-id",
}

// IsSignableProperty reports whether name is on the property allow-list.
func IsSignableProperty(name string) bool {
	for _, p := range SignableProperties {
		if p == name {
			return true
		}
	}
	return false
}

// Lookup returns the canonical value of a property by its lower-case name.
func (p *Properties) Lookup(name string) (string, bool) {
	var v string
	switch name {
	case "app-id":
		v = p.AppID
	case "cluster-id":
		v = p.ClusterID
	case "content-encoding":
		v = p.ContentEncoding
	case "content-type":
		v = p.ContentType
	case "correlation-id":
		v = p.CorrelationID
	case "delivery-mode":
		if p.DeliveryMode == 0 {
			return "", false
		}
		return strconv.FormatUint(uint64(p.DeliveryMode), 10), true
	case "expiration":
		v = p.Expiration
	case "message-id":
		v = p.MessageID
	case "priority":
		if p.Priority == 0 {
			return "", false
		}
		return strconv.FormatUint(uint64(p.Priority), 10), true
	case "reply-to":
		v = p.ReplyTo
	case "timestamp":
		if p.Timestamp.IsZero() {
			return "", false
		}
		return strconv.FormatInt(p.Timestamp.Unix(), 10), true
	case "type":
		v = p.Type
	case "user-id":
		v = p.UserID
	default:
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Envelope is a message as it travels on the transport.
type Envelope struct {
	Properties Properties        `json:"properties"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body"`
}

// Header returns a header value, matching the name case-insensitively.
func (e *Envelope) Header(name string) (string, bool) {
	if v, ok := e.Headers[name]; ok {
		return v, true
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// SetHeader sets a header, replacing any existing value under a differently cased name.
func (e *Envelope) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	for k := range e.Headers {
		if strings.EqualFold(k, name) {
			delete(e.Headers, k)
		}
	}
	e.Headers[name] = value
}
