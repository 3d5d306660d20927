package service

import "net/http"

// OAuthError is an RFC 6749 style error. Handlers serialize it as
// {"error": Code, "error_description": Description} with the given
// HTTP status.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

func errInvalidRequest(desc string) *OAuthError {
	return newOAuthError("invalid_request", desc, http.StatusBadRequest)
}

func errInvalidClient(desc string) *OAuthError {
	return newOAuthError("invalid_client", desc, http.StatusUnauthorized)
}

func errInvalidGrant(desc string) *OAuthError {
	return newOAuthError("invalid_grant", desc, http.StatusBadRequest)
}

func errUnauthorizedClient(desc string) *OAuthError {
	return newOAuthError("unauthorized_client", desc, http.StatusBadRequest)
}

func errInvalidScope(desc string) *OAuthError {
	return newOAuthError("invalid_scope", desc, http.StatusBadRequest)
}

// errInvalidToken is used by the resource guard; resource endpoints
// answer 401 regardless of why the token was unacceptable.
func errInvalidToken(desc string) *OAuthError {
	return newOAuthError("invalid_token", desc, http.StatusUnauthorized)
}

func errInsufficientScope(desc string) *OAuthError {
	return newOAuthError("insufficient_scope", desc, http.StatusForbidden)
}

func errAccessDenied(desc string) *OAuthError {
	return newOAuthError("access_denied", desc, http.StatusForbidden)
}
