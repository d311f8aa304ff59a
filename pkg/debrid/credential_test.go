package debrid

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testCrypter(t *testing.T) *Crypter {
	t.Helper()
	c, err := NewCrypter("some deployment secret")
	require.NoError(t, err)
	return c
}

func TestCredentialValidate(t *testing.T) {
	require.NoError(t, Credential{ID: ServiceRealDebrid, Credential: "KEY"}.Validate())
	require.Error(t, Credential{ID: "not-a-service", Credential: "KEY"}.Validate())
	require.Error(t, Credential{ID: ServiceRealDebrid}.Validate())
}

func TestEncryptCredentialRoundTrip(t *testing.T) {
	c := testCrypter(t)

	encrypted, err := EncryptCredential(c, "my api key")
	require.NoError(t, err)
	require.True(t, IsEncrypted(encrypted))

	decrypted, err := DecryptCredential(c, encrypted)
	require.NoError(t, err)
	require.Equal(t, "my api key", decrypted)

	// Re-encrypting ciphertext must be a no-op, or re-saving a config
	// would wrap credentials in ever deeper layers.
	again, err := EncryptCredential(c, encrypted)
	require.NoError(t, err)
	require.Equal(t, encrypted, again)
}

func TestDecryptCredentialPassthrough(t *testing.T) {
	c := testCrypter(t)

	decrypted, err := DecryptCredential(c, "plain api key")
	require.NoError(t, err)
	require.Equal(t, "plain api key", decrypted)
}

func TestStoreAuthRoundTrip(t *testing.T) {
	c := testCrypter(t)
	auth := StoreAuth{ID: ServicePremiumize, Credential: "my api key"}

	encoded, err := EncodeStoreAuth(c, auth)
	require.NoError(t, err)
	require.NotContains(t, encoded, "premiumize")
	require.NotContains(t, encoded, "my api key")

	decoded, err := DecodeStoreAuth(c, encoded)
	require.NoError(t, err)
	require.Equal(t, auth, decoded)
}

func TestDecodeStoreAuthRejectsUnknownService(t *testing.T) {
	c := testCrypter(t)

	encoded, err := c.Encrypt([]byte(`{"id":"not-a-service","credential":"KEY"}`))
	require.NoError(t, err)
	_, err = DecodeStoreAuth(c, encoded)
	require.ErrorContains(t, err, "unknown debrid service")
}

func TestBearerTokenPlainKeyPassthrough(t *testing.T) {
	token, err := BearerToken(context.Background(), ServiceAllDebrid, "PLAINKEY")
	require.NoError(t, err)
	require.Equal(t, "PLAINKEY", token)
}

func TestBearerTokenValidEnvelope(t *testing.T) {
	envelope := `{"access_token":"ACCESS","refresh_token":"REFRESH"}`
	token, err := BearerToken(context.Background(), ServiceRealDebrid, envelope)
	require.NoError(t, err)
	// No expiry means the token counts as valid, no refresh happens.
	require.Equal(t, "ACCESS", token)
}

func TestBearerTokenNoAccessToken(t *testing.T) {
	_, err := BearerToken(context.Background(), ServiceRealDebrid, `{"refresh_token":"REFRESH"}`)
	require.Error(t, err)
}

func TestBearerTokenExpiredWithoutRefreshToken(t *testing.T) {
	envelope := `{"access_token":"STALE","expiry":"2020-01-01T00:00:00Z"}`
	token, err := BearerToken(context.Background(), ServiceRealDebrid, envelope)
	require.NoError(t, err)
	require.Equal(t, "STALE", token)
}

func TestBearerTokenRefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		require.Equal(t, "REFRESH", r.FormValue("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"FRESH","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	conf := &oauth2.Config{
		ClientID: "test-client",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}
	envelope := `{"access_token":"STALE","refresh_token":"REFRESH","expiry":"2020-01-01T00:00:00Z"}`
	token, err := bearerToken(context.Background(), ServiceRealDebrid, envelope, conf)
	require.NoError(t, err)
	require.Equal(t, "FRESH", token)
}

func TestBearerTokenRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	conf := &oauth2.Config{
		ClientID: "test-client",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}
	envelope := `{"access_token":"STALE","refresh_token":"REFRESH","expiry":"2020-01-01T00:00:00Z"}`
	_, err := bearerToken(context.Background(), ServiceRealDebrid, envelope, conf)
	requireCode(t, err, CodeUnauthorized)
}
