package health

import "context"

// Authenticator is the slice of the identity manager the readiness probe
// needs.
type Authenticator interface {
	HasValidAuth() bool
}

// Auth reports ready only once the control-plane handshake completed.
func Auth(a Authenticator) Checker {
	return Checker{
		Name: "auth",
		Check: func(context.Context) error {
			if !a.HasValidAuth() {
				return errNotAuthenticated
			}
			return nil
		},
	}
}

// Func wraps a plain closure as a named checker, for dependencies that
// expose an ad-hoc probe (bus connectivity, catalog watches).
func Func(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

type healthErr string

func (e healthErr) Error() string { return string(e) }

const errNotAuthenticated = healthErr("no valid control-plane authentication")
