package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_parkguide._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the broker so visitor devices on the park network can find
// the hub without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = a.cfg.MDNSName
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("%s (%s)", a.catalog.Park().Name, hostname), a.cfg.MDNSName)
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(port, hostname), nil)
	if err != nil {
		return fmt.Errorf("register mdns: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func (a *App) mdnsTXT(mqttPort int, hostname string) []string {
	host := sanitizeMDNSHost(hostname, a.cfg.MDNSName)
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	return []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		fmt.Sprintf("host=%s", host),
		"ranging=devices/{id}/ranging",
		"lifecycle=devices/{id}/lifecycle",
		"notifications=devices/{id}/notifications",
		"proto=v1",
	}
}

func sanitizeMDNSInstance(name, fallback string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" || cleaned == "()" {
		cleaned = fallback
	}
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func sanitizeMDNSHost(name, fallback string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = fallback
	}
	// Host labels must be <=63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
