package mesh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/observability/logger"
)

// DefaultService is the mDNS service type agents advertise under.
const DefaultService = "_penguinmesh._tcp"

const txtID = "id="

// Peer is a participant found by a discovery source.
type Peer struct {
	ID   doc.ParticipantID
	Addr string
}

// Advertise registers the local hub on the LAN until ctx is done.
func Advertise(ctx context.Context, self doc.ParticipantID, service string, port int) error {
	server, err := zeroconf.Register(string(self), service, "local.", port, []string{txtID + string(self)}, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()
	logger.From(ctx).Named("mdns").Info("advertising", logger.Int("port", port))
	<-ctx.Done()
	return nil
}

// Browse reports peers advertised on the LAN until ctx is done.
func Browse(ctx context.Context, service string, found func(Peer)) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		log := logger.From(ctx).Named("mdns")
		for e := range entries {
			if p, ok := peerFromEntry(e); ok {
				log.Debug("peer found", logger.Peer(string(p.ID)), logger.Addr(p.Addr))
				found(p)
			}
		}
	}()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	return nil
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil || e.Port == 0 {
		return Peer{}, false
	}
	var id string
	for _, txt := range e.Text {
		if strings.HasPrefix(txt, txtID) {
			id = strings.TrimPrefix(txt, txtID)
		}
	}
	if id == "" {
		return Peer{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{
		ID:   doc.ParticipantID(id),
		Addr: net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}, true
}
