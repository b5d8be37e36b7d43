package providers

import (
	"fmt"
	"sync"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/common"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
)

// WhatsApp sessions pick their backend with the "provider" credential.
const (
	WhatsAppGateway = "gateway"
	WhatsAppCloud   = "cloud"
)

// Registry selects the adapter for a session. Adapters are stateless, so one
// instance per provider serves every session of that type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]channel.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]channel.Adapter)}
}

// NewDefaultRegistry wires every built-in adapter around one shared client.
func NewDefaultRegistry(cfg config.ProvidersConfig) *Registry {
	client := NewHTTPClient(cfg.HTTPTimeout)
	r := NewRegistry()
	r.RegisterFor(session.TypeWhatsApp, WhatsAppGateway, NewGatewayAdapter(client, cfg.GatewayURL))
	r.RegisterFor(session.TypeWhatsApp, WhatsAppCloud, NewMetaAdapter(client, session.TypeWhatsApp, cfg.MetaGraphURL, cfg.MetaGraphVersion))
	r.RegisterFor(session.TypeTelegram, "", NewTelegramAdapter(client, cfg.TelegramAPIURL))
	r.RegisterFor(session.TypeMessenger, "", NewMetaAdapter(client, session.TypeMessenger, cfg.MetaGraphURL, cfg.MetaGraphVersion))
	r.RegisterFor(session.TypeInstagram, "", NewMetaAdapter(client, session.TypeInstagram, cfg.MetaGraphURL, cfg.MetaGraphVersion))
	return r
}

func (r *Registry) Register(key string, adapter channel.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = adapter
}

// RegisterFor is Register keyed by session type and optional backend.
func (r *Registry) RegisterFor(t session.Type, backend string, adapter channel.Adapter) {
	r.Register(registryKey(t, backend), adapter)
}

func (r *Registry) For(s session.Session) (channel.Adapter, error) {
	backend := ""
	if s.Type == session.TypeWhatsApp {
		backend = s.Credential(session.CredProvider)
		if backend == "" {
			backend = WhatsAppGateway
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[registryKey(s.Type, backend)]; ok {
		return a, nil
	}
	if a, ok := r.adapters[registryKey(s.Type, "")]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s %s", common.ErrUnsupportedType, s.Type, backend)
}

func registryKey(t session.Type, backend string) string {
	if backend == "" {
		return string(t)
	}
	return string(t) + ":" + backend
}
