// Package credential implements the process-wide descriptor cache and
// upstream auth cache described in spec §4.2, generalized from the
// teacher's internal/service/oauth.go (PKCE login/refresh/health-check)
// and internal/store/account.go's NeedsRefresh/IsExpired pattern — here
// credentials are files on disk, never rows in the database.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind is the descriptor's authentication shape.
type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindOAuth  Kind = "oauth"
	KindPool   Kind = "pool"
)

// OAuthCreds is the oauth-kind descriptor payload.
type OAuthCreds struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// PoolCreds is the pool-kind descriptor payload: a named list of sibling
// account_ids, each of which must itself resolve to an api_key or oauth
// descriptor file (spec §3: "references sibling descriptor files by
// account_id").
type PoolCreds struct {
	PoolID     string   `json:"pool_id"`
	AccountIDs []string `json:"account_ids"`
	Strategy   string   `json:"strategy"`
}

// Descriptor is the on-disk credential shape spec §3 defines verbatim.
// Only the fields below are decoded; unknown JSON keys in the file are
// ignored and are not kept on the Descriptor.
type Descriptor struct {
	Kind          Kind       `json:"kind"`
	ClientAPIKey  string     `json:"client_api_key"`
	AccountID     string     `json:"account_id"`
	APIKey        string     `json:"api_key,omitempty"`
	OAuth         *OAuthCreds `json:"oauth,omitempty"`
	Pool          *PoolCreds  `json:"pool,omitempty"`
}

// Masked renders the descriptor's secret material as "kind:first10****"
// (spec §4.2: "Never logged. The manager exposes only masked forms ...
// to the logger"), never the full key/token.
func (d *Descriptor) Masked() string {
	secret := d.APIKey
	if d.OAuth != nil {
		secret = d.OAuth.AccessToken
	}
	if len(secret) > 10 {
		secret = secret[:10]
	}
	return fmt.Sprintf("%s:%s****", d.Kind, secret)
}

func parseDescriptor(raw []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("credential: decode descriptor: %w", err)
	}
	switch d.Kind {
	case KindAPIKey, KindOAuth, KindPool:
	default:
		return nil, fmt.Errorf("credential: unknown descriptor kind %q", d.Kind)
	}
	return &d, nil
}

// descriptorFilePath maps a domain to the well-known filename the
// credential directory uses (spec §6: "<domain>.credentials.json").
func descriptorFilePath(dir, domain string) string {
	return filepath.Join(dir, domain+".credentials.json")
}

func readDescriptorFile(path string) (*Descriptor, time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	d, err := parseDescriptor(raw)
	if err != nil {
		return nil, time.Time{}, err
	}
	return d, fi.ModTime(), nil
}
