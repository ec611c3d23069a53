package apiclient

import (
	"context"
	"net/http"

	"advisor/internal/auth/models"
	dErrors "advisor/pkg/domain-errors"
)

// VerifyResult is the outcome of a successful verify call. Tokens is nil
// when the server confirmed the code without issuing tokens, which includes
// the "already verified" reply.
type VerifyResult struct {
	Tokens          *models.TokenPair
	AlreadyVerified bool
	Detail          string
}

type verifyResponse struct {
	models.TokenPair
	Detail string `json:"detail"`
	Login  bool   `json:"login"`
}

func (r verifyResponse) result() VerifyResult {
	res := VerifyResult{Detail: r.Detail, AlreadyVerified: isAlreadyVerified(r.Detail)}
	if r.AccessToken != "" && r.RefreshToken != "" {
		tokens := r.TokenPair
		res.Tokens = &tokens
	}
	return res
}

func (c *Client) SendOTP(ctx context.Context, email string, rememberDevice bool) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/send-otp",
		body:     map[string]any{"email": email, "rememberDevice": rememberDevice},
		fallback: "Failed to send verification code",
	}, nil)
}

func (c *Client) ResendOTP(ctx context.Context, email string) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/resend-otp",
		body:     map[string]any{"email": email},
		fallback: "Failed to resend verification code",
	}, nil)
}

// VerifyOTP submits a sign-in code. A rejection whose detail says the user
// is already verified is reported as a result, not an error.
func (c *Client) VerifyOTP(ctx context.Context, email, code string, rememberDevice bool) (VerifyResult, error) {
	var resp verifyResponse
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/verify-otp",
		body:     map[string]any{"email": email, "code": code, "rememberDevice": rememberDevice},
		fallback: "Verification failed",
	}, &resp)
	return verifyOutcome(resp, err)
}

func (c *Client) Register(ctx context.Context, reg models.Registration) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/register",
		body:     reg,
		fallback: "Registration failed",
	}, nil)
}

func (c *Client) VerifyRegistration(ctx context.Context, email, code string) (VerifyResult, error) {
	var resp verifyResponse
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/verify-registration",
		body:     map[string]any{"email": email, "code": code},
		fallback: "Verification failed",
	}, &resp)
	return verifyOutcome(resp, err)
}

func (c *Client) ResendRegistrationOTP(ctx context.Context, email string) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/resend-registration-otp",
		body:     map[string]any{"email": email},
		fallback: "Failed to resend verification code",
	}, nil)
}

// Login exchanges a verified email and code for a token pair.
func (c *Client) Login(ctx context.Context, email, code string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/login",
		body:     map[string]any{"email": email, "code": code},
		fallback: "Login failed",
	}, &pair)
	if err != nil {
		return models.TokenPair{}, err
	}
	if !pair.Session().Valid() {
		return models.TokenPair{}, dErrors.New(dErrors.CodeRejected, "login response missing tokens")
	}
	return pair, nil
}

// Refresh trades a refresh token for new tokens. The response may omit
// refresh_token, in which case the caller keeps the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/refresh",
		body:     map[string]string{"refresh_token": refreshToken},
		fallback: "Session refresh failed",
	}, &pair)
	if err != nil {
		return models.TokenPair{}, err
	}
	if pair.AccessToken == "" {
		return models.TokenPair{}, dErrors.New(dErrors.CodeRejected, "refresh response missing access token")
	}
	return pair, nil
}

func (c *Client) Me(ctx context.Context, accessToken string) (models.User, error) {
	var user models.User
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/auth/users/me",
		bearer:   accessToken,
		fallback: "Failed to load profile",
	}, &user)
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Logout revokes the refresh token server-side.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/logout",
		body:     map[string]string{"refresh_token": refreshToken},
		fallback: "Logout failed",
	}, nil)
}

func verifyOutcome(resp verifyResponse, err error) (VerifyResult, error) {
	if err != nil {
		if dErrors.Is(err, dErrors.CodeRejected) && isAlreadyVerified(dErrors.Message(err)) {
			return VerifyResult{AlreadyVerified: true, Detail: dErrors.Message(err)}, nil
		}
		return VerifyResult{}, err
	}
	return resp.result(), nil
}
