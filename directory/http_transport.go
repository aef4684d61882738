// Package directory's HTTPTransport is the concrete Transport the relayd
// daemon wires in, grounded on the teacher's
// transports/http/http_query.go (NewHTTPTransport/http.Client-with-
// timeout, a single fixed-URL POST), generalized from a single fixed
// Reunion DB endpoint to a pool of directory-authority/cache base
// addresses picked at random per request, since spec §1 leaves address
// selection entirely to this external collaborator.
package directory

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/veilmesh/relay/consensus"
)

// HTTPTransport fetches directory resources over plain HTTP from one of
// a configured pool of authority/cache addresses, using the wire shape
// Tor's DirPort protocol names ("/tor/<purpose>/<resource>"); the actual
// document grammar returned is the out-of-scope Parser collaborator's
// concern (spec §1), not this transport's.
type HTTPTransport struct {
	addrs  []string
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport over addrs (host:port pairs).
func NewHTTPTransport(addrs []string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{addrs: addrs, client: &http.Client{Timeout: timeout}}
}

// Fetch implements Transport.
func (t *HTTPTransport) Fetch(ctx context.Context, purpose, resource string) ([]byte, error) {
	if len(t.addrs) == 0 {
		return nil, fmt.Errorf("directory: no configured authority addresses")
	}
	addr := t.addrs[rand.Intn(len(t.addrs))]
	url := fmt.Sprintf("http://%s/tor/%s/%s", addr, purpose, resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: fetch %s/%s from %s: http %d", purpose, resource, addr, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// noopNodeList satisfies the NodeList external collaborator (spec §1)
// for daemons that don't build circuits — building circuits/choosing
// paths is spec.md's explicit non-goal, so there is nothing for this
// type to refresh.
type noopNodeList struct{}

func (noopNodeList) Refresh(*consensus.Consensus) {}

// NewNoopNodeList returns a NodeList that discards every refresh, for
// daemons that wire a Directory without a circuit-building component.
func NewNoopNodeList() NodeList { return noopNodeList{} }
