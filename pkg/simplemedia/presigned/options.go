package presigned

import "time"

// Option is a functional option for configuring a Signer
type Option func(*Signer)

// WithSecretKey sets the secret key used for HMAC signing
func WithSecretKey(key string) Option {
	return func(s *Signer) {
		s.secretKey = []byte(key)
	}
}

// WithDefaultExpiration sets the TTL used when SignURL gets zero
func WithDefaultExpiration(duration time.Duration) Option {
	return func(s *Signer) {
		s.defaultExpiration = duration
	}
}

// WithPathPrefix sets the route prefix object keys are served under.
// Default is "/files/".
func WithPathPrefix(prefix string) Option {
	return func(s *Signer) {
		s.prefix = prefix
	}
}

// WithBaseURL sets the scheme and host prepended to signed paths
func WithBaseURL(base string) Option {
	return func(s *Signer) {
		s.baseURL = base
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}
