package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Auth returns the auth client.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient talks to the platform's auth endpoints.
type AuthClient struct {
	client *Client
}

// Session is the token bundle returned by auth operations.
type Session struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	RefreshToken string       `json:"refresh_token"`
	User         *AccountInfo `json:"user"`
}

// AccountInfo is the auth-level account record (distinct from the profile
// row the application keeps alongside it).
type AccountInfo struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// SignUp registers a new account.
func (a *AuthClient) SignUp(ctx context.Context, email, password string) (*Session, error) {
	return a.tokenRequest(ctx, a.client.baseURL+"/auth/v1/signup", email, password)
}

// SignInWithPassword performs a password-grant login.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	return a.tokenRequest(ctx, a.client.baseURL+"/auth/v1/token?grant_type=password", email, password)
}

// SignOut revokes the session behind the given access token.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.client.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(ctx, req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// GetUser fetches the account behind an access token.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*AccountInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.client.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(ctx, req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var info AccountInfo
	if err := resp.JSON(&info); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &info, nil
}

func (a *AuthClient) tokenRequest(ctx context.Context, reqURL, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(ctx, req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var session Session
	if err := resp.JSON(&session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}
