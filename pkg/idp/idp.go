// Package idp models federated identity-provider configurations. Providers
// are polymorphic over their kind; the well-known providers are thin
// façades that expand a small input into a generic OIDC or OAuth config.
package idp

// Kind discriminates the provider configuration.
type Kind string

const (
	KindOIDC    Kind = "oidc"
	KindOAuth   Kind = "oauth"
	KindSAML    Kind = "saml"
	KindJWT     Kind = "jwt"
	KindGoogle  Kind = "google"
	KindAzureAD Kind = "azuread"
	KindApple   Kind = "apple"
	KindGitHub  Kind = "github"
	KindGitLab  Kind = "gitlab"
)

// Options are the account-linking flags shared by all kinds.
type Options struct {
	IsCreationAllowed bool `json:"is_creation_allowed"`
	IsLinkingAllowed  bool `json:"is_linking_allowed"`
	IsAutoCreation    bool `json:"is_auto_creation"`
	IsAutoUpdate      bool `json:"is_auto_update"`
}

// OIDCConfig configures a provider discovered through its issuer.
type OIDCConfig struct {
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
	// ClientSecret is encrypted before it enters an event payload.
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// OAuthConfig configures a plain OAuth2 provider with explicit endpoints.
type OAuthConfig struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserEndpoint          string   `json:"user_endpoint"`
	Scopes                []string `json:"scopes,omitempty"`
	// IDAttribute names the field of the user endpoint response that
	// uniquely identifies the external account.
	IDAttribute string `json:"id_attribute,omitempty"`
}

// SAMLConfig configures a SAML service-provider federation.
type SAMLConfig struct {
	MetadataURL       string `json:"metadata_url,omitempty"`
	Metadata          []byte `json:"metadata,omitempty"`
	Binding           string `json:"binding,omitempty"`
	WithSignedRequest bool   `json:"with_signed_request,omitempty"`
}

// JWTConfig configures an external-JWT provider: an upstream issues a JWT
// the login flow accepts as authentication.
type JWTConfig struct {
	Issuer       string `json:"issuer"`
	JWTEndpoint  string `json:"jwt_endpoint"`
	KeysEndpoint string `json:"keys_endpoint"`
	HeaderName   string `json:"header_name,omitempty"`
}

// NewGoogle returns the OIDC config of a Google provider.
func NewGoogle(clientID, clientSecret string) OIDCConfig {
	return OIDCConfig{
		Issuer:       "https://accounts.google.com",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"openid", "profile", "email"},
	}
}

// NewAzureAD returns the OIDC config of a Microsoft Entra ID tenant.
// An empty tenant uses the multi-tenant "organizations" endpoint.
func NewAzureAD(tenant, clientID, clientSecret string) OIDCConfig {
	if tenant == "" {
		tenant = "organizations"
	}
	return OIDCConfig{
		Issuer:       "https://login.microsoftonline.com/" + tenant + "/v2.0",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"openid", "profile", "email"},
	}
}

// NewGitHub returns the OAuth config of a GitHub provider. GitHub is not an
// OIDC issuer, so the endpoints are explicit.
func NewGitHub(clientID, clientSecret string) OAuthConfig {
	return OAuthConfig{
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		UserEndpoint:          "https://api.github.com/user",
		Scopes:                []string{"read:user", "user:email"},
		IDAttribute:           "id",
	}
}

// NewGitLab returns the OIDC config of a GitLab provider. A custom host
// serves self-managed installations; empty means gitlab.com.
func NewGitLab(host, clientID, clientSecret string) OIDCConfig {
	if host == "" {
		host = "https://gitlab.com"
	}
	return OIDCConfig{
		Issuer:       host,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"openid", "profile", "email"},
	}
}
