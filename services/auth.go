package services

import (
	"context"
	"encoding/json"
	"fmt"

	"dgate/clients/rest"
	"dgate/core"
)

// MFA is the handle returned by Signin when the account requires a second
// factor. Auth exchanges a TOTP code for a token.
type MFA struct {
	client *Client
	ticket string
}

func (m *MFA) Auth(ctx context.Context, code string) (string, error) {
	if !validTOTPCode(code) {
		return "", &core.ConfigError{Message: "mfa code must be 1-8 digits"}
	}

	data, err := m.client.Request(ctx, "auth/mfa/totp", rest.Options{
		Method: "POST",
		Body:   map[string]string{"ticket": m.ticket, "code": code},
	})
	if err != nil {
		return "", fmt.Errorf("mfa verification failed: %w", err)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode mfa response: %w", err)
	}
	if resp.Token == "" {
		return "", &core.SessionError{Message: "mfa response carried no token"}
	}
	return resp.Token, nil
}

func validTOTPCode(code string) bool {
	if len(code) == 0 || len(code) > 8 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Signin exchanges email/password credentials for a token. When the account
// has MFA enabled the returned handle must be driven through Auth instead;
// exactly one of token and mfa is set on success.
func (c *Client) Signin(ctx context.Context, email, password string) (token string, mfa *MFA, err error) {
	data, err := c.Request(ctx, "auth/login", rest.Options{
		Method: "POST",
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return "", nil, fmt.Errorf("signin failed: %w", err)
	}

	var resp struct {
		Token          string          `json:"token"`
		MFA            bool            `json:"mfa"`
		Ticket         string          `json:"ticket"`
		CaptchaService string          `json:"captcha_service"`
		Errors         json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, fmt.Errorf("failed to decode signin response: %w", err)
	}

	switch {
	case len(resp.Errors) > 0:
		return "", nil, &core.SessionError{Message: fmt.Sprintf("signin rejected: %s", resp.Errors)}
	case resp.CaptchaService != "":
		return "", nil, &core.SessionError{Message: "signin requires a captcha, use a token instead"}
	case resp.MFA:
		return "", &MFA{client: c, ticket: resp.Ticket}, nil
	case resp.Token == "":
		return "", nil, &core.SessionError{Message: "signin response carried no token"}
	}
	return resp.Token, nil, nil
}
