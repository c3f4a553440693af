//go:build !linux || !cgo

package auth

// PAMAuthenticator rejects every login on platforms without PAM.
type PAMAuthenticator struct{}

var _ Authenticator = (*PAMAuthenticator)(nil)

// NewPAMAuthenticator returns the stub authenticator.
func NewPAMAuthenticator(string) *PAMAuthenticator {
	return &PAMAuthenticator{}
}

// Authenticate always fails with ErrUnsupported.
func (p *PAMAuthenticator) Authenticate(username, password string) (*User, error) {
	return nil, ErrUnsupported
}
