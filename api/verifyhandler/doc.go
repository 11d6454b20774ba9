// Package verifyhandler serves and consumes the public signature
// verification endpoint.
//
// The handler needs no key material. It decodes the public key encoding,
// treats the payload as UTF-8 text and checks the base64 signature with the
// scheme the key belongs to:
//
//	POST /api/public/verify
//	{"public_key": "...", "payload": "hello", "signature": "..."}
//	-> {"valid": true}
//
// Requests are rate limited per client IP when a RateLimiter is configured.
package verifyhandler
