//go:build linux && cgo

package auth

import (
	"fmt"

	"github.com/msteinert/pam"
)

// PAMAuthenticator checks credentials against the host PAM stack.
type PAMAuthenticator struct {
	serviceName string
	adminGroups []string
}

var _ Authenticator = (*PAMAuthenticator)(nil)

// NewPAMAuthenticator creates an authenticator for a PAM service
// ("login" when empty).
func NewPAMAuthenticator(serviceName string) *PAMAuthenticator {
	if serviceName == "" {
		serviceName = "login"
	}
	return &PAMAuthenticator{
		serviceName: serviceName,
		adminGroups: DefaultAdminGroups,
	}
}

// Authenticate verifies username and password via PAM
func (p *PAMAuthenticator) Authenticate(username, password string) (*User, error) {
	t, err := pam.StartFunc(p.serviceName, username, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			return password, nil
		case pam.PromptEchoOn:
			return username, nil
		case pam.ErrorMsg:
			return "", fmt.Errorf("PAM error: %s", msg)
		case pam.TextInfo:
			return "", nil
		}
		return "", fmt.Errorf("unrecognized PAM message style: %v", s)
	})
	if err != nil {
		return nil, fmt.Errorf("PAM start failed: %w", err)
	}

	if err := t.Authenticate(0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := t.AcctMgmt(0); err != nil {
		return nil, fmt.Errorf("%w: account: %v", ErrAuthFailed, err)
	}

	u, err := lookupUser(username, p.adminGroups)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return u, nil
}
