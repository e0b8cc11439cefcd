// Package token encodes and decodes the signed access tokens issued by
// the core. It wraps github.com/golang-jwt/jwt/v5 behind a Codec whose
// decode failures form a small typed taxonomy (malformed, expired,
// signature, claims) so callers can log and count causes without string
// matching.
package token
