// Package auth authenticates agent messages and admin API callers.
//
// # Agent Message Signing
//
// Every message on the agent bus travels in an Envelope whose Authorization
// header carries a NIM1 signature:
//
//	NIM1-HMAC-SHA256 Credential=<accessKey>/<YYYYMMDDTHHMMSSZ>/<nonce>/<appid>,
//	    SignedProperties=app-id;timestamp;type, SignedHeaders=x-trace, Signature=<hex>
//
// The access key is the agent UUID without hyphens. The signing key is a
// cascade of HMACs keyed first by "NIM1"+secret over the timestamp, then the
// nonce, then the app id. The signature is an HMAC over a string to sign that
// embeds the digest of the canonical request: the signed properties and
// headers as sorted name:value lines followed by the digest of the body.
//
// Supported digests are NULL, SHA224, SHA256, SHA384 and SHA512. NULL yields
// an empty signature and is only meant for test deployments.
//
// ValidateMessage additionally requires the transport timestamp, the header
// timestamp and the body timestamp to agree to the second and the app id to
// match the configured one. Replay protection lives in the replay package.
//
// Per-agent secrets are derived from the master secret with HKDF so the
// launcher and the master can share them without storing them.
//
// # Admin Tokens
//
// The admin HTTP API accepts HS256 JWT bearer tokens issued by
// JWTVerifier.Generate (see "nimrod-master token"). HTTPAuthMiddleware
// verifies them and stores the subject in the request context. The gRPC
// interceptors apply the same check to every gRPC method except the health
// service.
package auth
