package hass

import "net/http"

// setAuthHeader attaches the long-lived access token unless the caller
// already set an Authorization header.
func setAuthHeader(req *http.Request, token string) {
	if token == "" || req.Header.Get("Authorization") != "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
