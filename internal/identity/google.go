package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// GoogleVerifier validates a Google-issued ID token against the
// tokeninfo endpoint and checks it was minted for our client id.
type GoogleVerifier struct {
	clientID   string
	infoURL    string
	httpClient *http.Client
}

func NewGoogleVerifier(clientID string) (*GoogleVerifier, error) {
	if clientID == "" {
		return nil, fmt.Errorf("google client id is required")
	}
	return &GoogleVerifier{
		clientID: clientID,
		infoURL:  googleTokenInfoURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (v *GoogleVerifier) Name() string { return "google" }

type googleTokenInfo struct {
	Sub           string `json:"sub"`
	Aud           string `json:"aud"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Exp           string `json:"exp"`
}

func (v *GoogleVerifier) Verify(ctx context.Context, assertion string) (*Profile, error) {
	endpoint := v.infoURL + "?id_token=" + url.QueryEscape(assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build tokeninfo request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read tokeninfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google rejected id token with status %d", resp.StatusCode)
	}

	var info googleTokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode tokeninfo response: %w", err)
	}

	if info.Aud != v.clientID {
		return nil, fmt.Errorf("id token audience mismatch")
	}
	if exp, err := strconv.ParseInt(info.Exp, 10, 64); err != nil || time.Now().Unix() >= exp {
		return nil, fmt.Errorf("id token expired")
	}
	if info.Sub == "" || info.Email == "" {
		return nil, fmt.Errorf("id token missing subject or email")
	}

	return &Profile{
		ProviderUserID: info.Sub,
		Email:          info.Email,
		EmailVerified:  info.EmailVerified == "true",
		FirstName:      info.GivenName,
		LastName:       info.FamilyName,
		AvatarURL:      info.Picture,
	}, nil
}
