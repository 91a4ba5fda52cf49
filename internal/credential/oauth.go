package credential

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// oauthRefresher implements Refresher against the Anthropic OAuth token
// endpoint, generalizing the teacher's internal/service/oauth.go
// exchangeToken/RefreshToken hand-rolled JSON POSTs into an idiomatic
// golang.org/x/oauth2.Config/TokenSource exchange — the refresh_token
// grant is the one step of the teacher's PKCE login flow spec §4.2 still
// needs; the authorization-code/PKCE steps belong to account
// provisioning tooling, out of scope for the proxy process itself.
type oauthRefresher struct {
	cfg *oauth2.Config
}

// NewOAuthRefresher builds a Refresher pointed at apiURL's OAuth token
// endpoint.
func NewOAuthRefresher(apiURL string) Refresher {
	return &oauthRefresher{
		cfg: &oauth2.Config{
			ClientID: "claude-web-oauth-pkce",
			Endpoint: oauth2.Endpoint{
				TokenURL:  apiURL + "/v1/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (r *oauthRefresher) Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error) {
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", "", time.Time{}, err
	}
	rt := tok.RefreshToken
	if rt == refreshToken {
		rt = ""
	}
	return tok.AccessToken, rt, tok.Expiry, nil
}
