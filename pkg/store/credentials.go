package store

import "fmt"

// CredentialKind tags which provider credential variant is populated. The two
// variants never mix: a REST credential carries no SIP fields and vice versa.
type CredentialKind string

const (
	CredentialRest CredentialKind = "rest"
	CredentialSip  CredentialKind = "sip"
)

// ProviderCredentials is a tagged variant. Construct through NewRestCredentials
// or NewSipCredentials so the tag and fields always agree; Validate guards
// records loaded from storage.
type ProviderCredentials struct {
	Kind CredentialKind `json:"kind"`

	// REST variant.
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`

	// SIP variant.
	Identity string `json:"identity,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

func NewRestCredentials(apiKey, apiSecret, baseURL string) (*ProviderCredentials, error) {
	c := &ProviderCredentials{
		Kind:      CredentialRest,
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return c, c.Validate()
}

func NewSipCredentials(identity, password, domain string) (*ProviderCredentials, error) {
	c := &ProviderCredentials{
		Kind:     CredentialSip,
		Identity: identity,
		Password: password,
		Domain:   domain,
	}
	return c, c.Validate()
}

func (c *ProviderCredentials) Validate() error {
	switch c.Kind {
	case CredentialRest:
		if c.APIKey == "" || c.APISecret == "" {
			return fmt.Errorf("rest credentials require api key and secret")
		}
		if c.Identity != "" || c.Password != "" || c.Domain != "" {
			return fmt.Errorf("rest credentials must not carry SIP fields")
		}
	case CredentialSip:
		if c.Identity == "" || c.Password == "" || c.Domain == "" {
			return fmt.Errorf("sip credentials require identity, password and domain")
		}
		if c.APIKey != "" || c.APISecret != "" || c.BaseURL != "" {
			return fmt.Errorf("sip credentials must not carry REST fields")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", c.Kind)
	}
	return nil
}
