package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

// Ngrok serves the gateway through an ngrok endpoint. The agent dials out
// to ngrok's edge, so the gateway works behind NAT and the only inbound
// surface is ngrok's TLS termination.
type Ngrok struct {
	authToken string
	domain    string
	listener  net.Listener
	url       string
}

// NewNgrok configures an endpoint. With a fixed domain the gateway keeps a
// stable URL across restarts (paid ngrok feature); without one every start
// gets a fresh random URL and the owner's clients must be re-pointed.
func NewNgrok(authToken, domain string) *Ngrok {
	return &Ngrok{
		authToken: authToken,
		domain:    domain,
	}
}

// Start dials ngrok and returns the public URL. gatewayAddr is the address
// the HTTP server would have bound locally; it is logged for correlation
// only, the tunnel brings its own listener.
func (n *Ngrok) Start(ctx context.Context, gatewayAddr string) (string, error) {
	if n.authToken == "" {
		return "", fmt.Errorf("ngrok auth token is required (set tunnel.authtoken or REMOTEWIZ_NGROK_AUTHTOKEN)")
	}

	endpoint := ngrokconfig.HTTPEndpoint()
	if n.domain != "" {
		endpoint = ngrokconfig.HTTPEndpoint(ngrokconfig.WithDomain(n.domain))
	}

	ln, err := ngroklib.Listen(ctx, endpoint, ngroklib.WithAuthtoken(n.authToken))
	if err != nil {
		return "", fmt.Errorf("dialing ngrok: %w", err)
	}

	n.listener = ln
	n.url = normalizeURL(ln.Addr().String())

	slog.Info("gateway published",
		"public_url", n.url,
		"gateway_addr", gatewayAddr,
		"domain", n.domain)
	return n.url, nil
}

// Close drops the public endpoint. Safe to call before Start.
func (n *Ngrok) Close() error {
	if n.listener == nil {
		return nil
	}

	slog.Info("gateway unpublished", "public_url", n.url)

	if err := n.listener.Close(); err != nil {
		return fmt.Errorf("closing ngrok listener: %w", err)
	}
	n.listener = nil
	n.url = ""
	return nil
}

// PublicURL returns the published URL, or "" before Start.
func (n *Ngrok) PublicURL() string {
	return n.url
}

// Listener returns the ngrok listener for http.Server.Serve.
func (n *Ngrok) Listener() net.Listener {
	return n.listener
}

// normalizeURL prefixes a scheme when the provider reports a bare host.
// The ngrok listener's Addr is the public URL, normally already https.
func normalizeURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}
