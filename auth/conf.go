package auth

import "golang.org/x/oauth2/clientcredentials"

// Conf configures the ledger credential. AuthURL selects the OAuth2 client
// credentials flow; Token is a static bearer used when AuthURL is empty.
type Conf struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURL      string   `json:"auth_url"`
	Scopes       []string `json:"scopes"`
	Token        string   `json:"token"`
}

func (c *Conf) toOauth2Config() clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.AuthURL,
		Scopes:       c.Scopes,
	}
}
