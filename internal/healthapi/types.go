package healthapi

// LoginRequest is the payload for POST /api/v2/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// FCMToken is the push device token the server uses to deliver
	// inbound change notifications. Optional.
	FCMToken string `json:"fcmToken,omitempty"`
}

// RefreshRequest is the payload for POST /api/v2/refresh.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// TokenResponse is returned from login and refresh. A response without
// a token is a failure and carries Error instead.
type TokenResponse struct {
	Token   string `json:"token"`
	Refresh string `json:"refresh"`
	Expiry  string `json:"expiry,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadRequest wraps either a record list (bulk) or a single record
// (detail) for POST /api/v2/sync/{category}.
type UploadRequest struct {
	Data interface{} `json:"data"`
}

// DeleteRequest is the payload for DELETE /api/v2/sync/{category}.
type DeleteRequest struct {
	UUID []string `json:"uuid"`
}

// APIError represents an error response from the API.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
