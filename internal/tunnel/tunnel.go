// Package tunnel publishes the gateway's HTTP listener on a public HTTPS
// endpoint. Chat platforms deliver webhooks from their own clouds and the
// owner roams between networks, so the gateway has to stay reachable
// without port forwarding on the home router.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is a public ingress for the gateway. Start dials the provider and
// returns the public URL; Listener then feeds http.Server.Serve directly,
// so tunnelled requests never touch a local port.
type Tunnel interface {
	Start(ctx context.Context, gatewayAddr string) (publicURL string, err error)
	Close() error
	PublicURL() string
	Listener() net.Listener
}
