// Package discovery finds OT-2 robots advertising their HTTP API over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"ot2-driver/internal/robot/infrastructure/ot2api"
)

const (
	// ServiceType is the mDNS service the robot server registers.
	ServiceType = "_http._tcp"
	// DefaultTimeout bounds a single browse.
	DefaultTimeout = 3 * time.Second

	namePrefix = "opentrons"
)

// Robot is a discovered robot endpoint.
type Robot struct {
	Name string   `json:"name"`
	Host string   `json:"host"`
	IP   string   `json:"ip"`
	Port int      `json:"port"`
	Info []string `json:"info,omitempty"`
}

// BaseURL returns the robot HTTP base URL.
func (r Robot) BaseURL() string {
	return "http://" + net.JoinHostPort(r.IP, fmt.Sprintf("%d", r.Port))
}

// Discover browses the local network for OT-2 robots until timeout.
func Discover(ctx context.Context, timeout time.Duration) ([]Robot, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	entries := make(chan *mdns.ServiceEntry, 32)
	found := make(map[string]Robot)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if robot, ok := FromEntry(entry); ok {
				found[robot.BaseURL()] = robot
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("discovery: query: %w", err)
	}

	robots := make([]Robot, 0, len(found))
	for _, robot := range found {
		robots = append(robots, robot)
	}
	sort.Slice(robots, func(i, j int) bool { return robots[i].Name < robots[j].Name })
	return robots, nil
}

// FromEntry converts an mDNS entry into a Robot when it looks like an OT-2
// API server: an instance named opentrons-* or the default API port.
func FromEntry(entry *mdns.ServiceEntry) (Robot, bool) {
	if entry == nil {
		return Robot{}, false
	}
	ip := entry.AddrV4
	if ip == nil {
		ip = entry.AddrV6
	}
	if ip == nil {
		return Robot{}, false
	}
	instance := strings.ToLower(strings.TrimSuffix(entry.Name, "."))
	if !strings.HasPrefix(instance, namePrefix) && entry.Port != ot2api.DefaultPort {
		return Robot{}, false
	}
	name := entry.Name
	if idx := strings.Index(name, "."+ServiceType); idx > 0 {
		name = name[:idx]
	}
	return Robot{
		Name: name,
		Host: strings.TrimSuffix(entry.Host, "."),
		IP:   ip.String(),
		Port: entry.Port,
		Info: entry.InfoFields,
	}, true
}

// Advertise registers name as an OT-2 API server on port.
func Advertise(name string, port int, info []string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = namePrefix + "-fake"
	}
	service, err := mdns.NewMDNSService(name, ServiceType, "local", "", port, nil, info)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}
