package polljobs

import (
	"errors"
	"sync"
)

// ErrNoCredentials is returned when no provider credential is configured.
var ErrNoCredentials = errors.New("no provider credentials configured")

// CredentialPool hands out provider credentials round-robin. A credential
// stays in rotation after a failed call.
type CredentialPool struct {
	mu    sync.Mutex
	keys  []string
	index int
}

func NewCredentialPool(keys []string) *CredentialPool {
	p := &CredentialPool{}
	p.Set(keys)
	return p
}

// Set replaces the credentials, e.g. after a config reload. Blank entries
// are dropped.
func (p *CredentialPool) Set(keys []string) {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			cleaned = append(cleaned, k)
		}
	}
	p.mu.Lock()
	p.keys = cleaned
	if p.index >= len(cleaned) {
		p.index = 0
	}
	p.mu.Unlock()
}

// Next returns the next credential.
func (p *CredentialPool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", ErrNoCredentials
	}
	key := p.keys[p.index%len(p.keys)]
	p.index = (p.index + 1) % len(p.keys)
	return key, nil
}

// Len returns the number of credentials.
func (p *CredentialPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
