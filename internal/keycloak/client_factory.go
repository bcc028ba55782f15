package keycloak

import "fmt"

// ClientFactory builds admin API clients from a shared template. Only the token varies
// between clients, so every client shares one connection pool and one realm guard.
type ClientFactory struct {
	base *Client
}

// NewClientFactory returns a factory based on template. The template's Token is ignored.
func NewClientFactory(template ClientConfig) (*ClientFactory, error) {
	t := template
	t.Token = ""
	base, err := NewClient(t)
	if err != nil {
		return nil, err
	}
	return &ClientFactory{base: base}, nil
}

// New constructs a client authenticated with token.
func (f *ClientFactory) New(token string) (*Client, error) {
	if f == nil || f.base == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}

	c := *f.base
	c.token = token
	return &c, nil
}

// ForToken implements RoleAPIFactory.
func (f *ClientFactory) ForToken(token string) (RoleAPI, error) {
	c, err := f.New(token)
	if err != nil {
		return nil, err
	}
	return c, nil
}
