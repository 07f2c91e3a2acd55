package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

// GitHubVerifier validates a GitHub access token by fetching the user it
// belongs to. GitHub does not always expose the email on /user, so the
// primary address is fetched from /user/emails when missing.
type GitHubVerifier struct {
	userURL   string
	emailsURL string
	timeout   time.Duration
}

func NewGitHubVerifier() *GitHubVerifier {
	return &GitHubVerifier{
		userURL:   githubUserURL,
		emailsURL: githubEmailsURL,
		timeout:   10 * time.Second,
	}
}

func (v *GitHubVerifier) Name() string { return "github" }

type githubUser struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (v *GitHubVerifier) Verify(ctx context.Context, assertion string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: assertion}))

	var user githubUser
	if err := v.getJSON(ctx, client, v.userURL, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("github user response missing id")
	}

	email := user.Email
	emailVerified := false
	if email == "" {
		emails := []githubEmail{}
		if err := v.getJSON(ctx, client, v.emailsURL, &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary {
				email = e.Email
				emailVerified = e.Verified
				break
			}
		}
	} else {
		// An email exposed on the public profile has been confirmed by
		// GitHub already.
		emailVerified = true
	}
	if email == "" {
		return nil, fmt.Errorf("github account has no usable email")
	}

	firstName, lastName := splitDisplayName(user.Name)

	return &Profile{
		ProviderUserID: fmt.Sprintf("%d", user.ID),
		Email:          strings.ToLower(email),
		EmailVerified:  emailVerified,
		FirstName:      firstName,
		LastName:       lastName,
		AvatarURL:      user.AvatarURL,
	}, nil
}

func (v *GitHubVerifier) getJSON(ctx context.Context, client *http.Client, endpoint string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read github response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github rejected token with status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

func splitDisplayName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
