package debrid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// encPrefix marks a credential that is stored as ciphertext. Everything
// after the prefix is a Crypter output.
const encPrefix = "enc."

// Credential is one user-configured debrid account: the service it belongs
// to and the secret that authenticates against it. The secret is either a
// plain API key, an `enc.`-prefixed ciphertext of one, or an OAuth2 token
// envelope (JSON with access_token).
type Credential struct {
	ID         ServiceID `json:"id"`
	Credential string    `json:"credential"`
}

func (c Credential) Validate() error {
	if !IsKnownService(c.ID) {
		return fmt.Errorf("unknown debrid service %q", c.ID)
	}
	if c.Credential == "" {
		return fmt.Errorf("service %q has no credential", c.ID)
	}
	return nil
}

// IsEncrypted reports whether a stored credential is ciphertext.
func IsEncrypted(credential string) bool {
	return strings.HasPrefix(credential, encPrefix)
}

// EncryptCredential seals a plaintext credential for storage. Already
// encrypted credentials are returned unchanged so re-saving a config never
// double-encrypts.
func EncryptCredential(crypter *Crypter, credential string) (string, error) {
	if IsEncrypted(credential) {
		return credential, nil
	}
	ciphertext, err := crypter.Encrypt([]byte(credential))
	if err != nil {
		return "", err
	}
	return encPrefix + ciphertext, nil
}

// DecryptCredential undoes EncryptCredential. Plaintext credentials pass
// through unchanged.
func DecryptCredential(crypter *Crypter, credential string) (string, error) {
	ciphertext, ok := strings.CutPrefix(credential, encPrefix)
	if !ok {
		return credential, nil
	}
	plaintext, err := crypter.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("Couldn't decrypt credential: %v", err)
	}
	return string(plaintext), nil
}

// StoreAuth is the payload behind the encryptedStoreAuth playback URL
// segment: which account a click resolves against. It's encrypted so
// playback URLs can be shared with players without leaking API keys.
type StoreAuth struct {
	ID         ServiceID `json:"id"`
	Credential string    `json:"credential"`
}

// EncodeStoreAuth seals a store auth for use as a URL path segment.
func EncodeStoreAuth(crypter *Crypter, auth StoreAuth) (string, error) {
	// StoreAuth has no unmarshalable fields, this can't fail
	b, _ := json.Marshal(auth)
	return crypter.Encrypt(b)
}

// DecodeStoreAuth is the inverse of EncodeStoreAuth.
func DecodeStoreAuth(crypter *Crypter, encoded string) (StoreAuth, error) {
	var auth StoreAuth
	b, err := crypter.Decrypt(encoded)
	if err != nil {
		return auth, fmt.Errorf("Couldn't decode store auth: %v", err)
	}
	if err = json.Unmarshal(b, &auth); err != nil {
		return auth, fmt.Errorf("Couldn't unmarshal store auth: %v", err)
	}
	if !IsKnownService(auth.ID) {
		return auth, fmt.Errorf("unknown debrid service %q", auth.ID)
	}
	return auth, nil
}

// oauthEndpoints holds the token endpoints of the services that hand out
// OAuth2 tokens instead of long-lived API keys.
var oauthEndpoints = map[ServiceID]oauth2.Config{
	ServiceRealDebrid: {
		// Public client ID for open source apps
		ClientID: "X245A4XAIBGVM",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://api.real-debrid.com/oauth/v2/auth",
			TokenURL: "https://api.real-debrid.com/oauth/v2/token",
		},
	},
	ServicePremiumize: {
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.premiumize.me/authorize",
			TokenURL: "https://www.premiumize.me/token",
		},
	},
}

// BearerToken returns the token to authenticate a service call with. Plain
// API keys pass through unchanged. OAuth2 token envelopes (JSON with
// access_token) yield their access token, refreshed through the service's
// token endpoint when it's expired and a refresh token is present.
func BearerToken(ctx context.Context, service ServiceID, credential string) (string, error) {
	conf, found := oauthEndpoints[service]
	if !found {
		return bearerToken(ctx, service, credential, nil)
	}
	return bearerToken(ctx, service, credential, &conf)
}

func bearerToken(ctx context.Context, service ServiceID, credential string, conf *oauth2.Config) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(credential), "{") {
		return credential, nil
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(credential), &token); err != nil {
		return "", fmt.Errorf("Couldn't unmarshal OAuth2 token: %v", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("OAuth2 token for %q has no access token", service)
	}
	if token.Valid() || token.RefreshToken == "" || conf == nil {
		// Without a refresh token or a known token endpoint, the access
		// token is all there is. It might still work.
		return token.AccessToken, nil
	}

	fresh, err := conf.TokenSource(ctx, &token).Token()
	if err != nil {
		return "", &Error{Code: CodeUnauthorized, Service: service, Msg: fmt.Sprintf("Couldn't refresh OAuth2 token: %v", err)}
	}
	return fresh.AccessToken, nil
}
