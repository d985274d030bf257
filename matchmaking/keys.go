package matchmaking

import (
	"context"

	"github.com/dragonet/chainnode/authorization"
)

// EstablisherKeyProvider adapts an authorization.Establisher into the
// matchmaking.KeyProvider a Client needs: it bootstraps (and, on 401/403,
// re-bootstraps) the shared HMAC key this chain uses to authenticate with
// matchmaking itself, over matchmaking's own /auth-register endpoint.
type EstablisherKeyProvider struct {
	est         *authorization.Establisher
	mmDCID      string
	registerURL string
}

// NewEstablisherKeyProvider creates a KeyProvider that bootstraps a shared
// key with the matchmaking service identified by mmDCID, registering over
// registerURL (matchmaking's base URL + "/auth-register").
func NewEstablisherKeyProvider(est *authorization.Establisher, mmDCID, registerURL string) *EstablisherKeyProvider {
	return &EstablisherKeyProvider{est: est, mmDCID: mmDCID, registerURL: registerURL}
}

func (p *EstablisherKeyProvider) MatchmakingKey(ctx context.Context) (authorization.SharedKey, error) {
	return p.est.KeyFor(ctx, p.mmDCID, p.registerURL)
}

func (p *EstablisherKeyProvider) Reregister(ctx context.Context) error {
	p.est.Forget(p.mmDCID)
	_, err := p.est.KeyFor(ctx, p.mmDCID, p.registerURL)
	return err
}
