// Package discovery finds and announces unit servers over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the DNS-SD service type of unit servers.
const Service = "_mimosync._tcp"

const domain = "local."

// Host represents a discovered unit server.
type Host struct {
	Instance  string   `json:"instance"` // advertised name: "unit0"
	Hostname  string   `json:"hostname"` // DNS hostname: "sdr-a.local."
	Addresses []net.IP `json:"addresses"`
	Port      int      `json:"port"`
	TXT       []string `json:"txt,omitempty"`
}

// Addr returns a dialable host:port, preferring IPv4.
func (h Host) Addr() string {
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), strconv.Itoa(h.Port))
		}
	}
	if len(h.Addresses) > 0 {
		return net.JoinHostPort(h.Addresses[0].String(), strconv.Itoa(h.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(h.Hostname, "."), strconv.Itoa(h.Port))
}

// Attr looks up a key=value TXT attribute.
func (h Host) Attr(key string) (string, bool) {
	for _, kv := range h.TXT {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Browse performs a blocking mDNS browse for unit servers. It returns
// deduplicated hosts sorted by instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a unit server listening on port until Shutdown.
func Advertise(instance string, port int, txt map[string]string) (*Advertisement, error) {
	srv, err := zeroconf.Register(instance, Service, domain, port, TXTRecords(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", instance, err)
	}
	return &Advertisement{server: srv}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// TXTRecords renders attributes as sorted key=value records.
func TXTRecords(attrs map[string]string) []string {
	out := make([]string, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
