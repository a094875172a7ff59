package transport

// Wire payloads of the identity service

type SignupRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,password_policy"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password,omitempty" validate:"required_without=MFAToken"`
	TOTPCode string `json:"totp_code,omitempty" validate:"omitempty,totp"`
	MFAToken string `json:"mfa_token,omitempty"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	MFAEnabled   bool   `json:"mfa_enabled"`
	RequiresMFA  bool   `json:"requires_mfa"`

	// Challenge token some servers issue instead of asking the password again
	MFAToken string `json:"mfa_token,omitempty"`
}

// RefreshRequest is sent as query parameter, not as body
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type MFASetupResponse struct {
	QRCodeBase64 string   `json:"qr_code_base64"`
	BackupCodes  []string `json:"backup_codes"`
	Secret       string   `json:"secret"`
}

type CodeRequest struct {
	TOTPCode string `json:"totp_code" validate:"totp"`
}

type PasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

type MFAStatusResponse struct {
	MFAEnabled     bool `json:"mfa_enabled"`
	HasBackupCodes bool `json:"has_backup_codes"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
