// Package system wraps the OS commands the kiosk leans on: network
// status probes, timezone management, and power actions. Everything is
// a thin pass through the command runner with short timeouts.
package system

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stationboard/stationboard/internal/runner"
)

const probeTimeout = 5 * time.Second

// canonicalTZPrefixes filters timedatectl output to canonical zone
// names, excluding legacy aliases like US/Central or EST.
var canonicalTZPrefixes = []string{
	"Africa/", "America/", "Antarctica/", "Arctic/", "Asia/",
	"Atlantic/", "Australia/", "Europe/", "Indian/", "Pacific/",
}

// fallbackTimezones is served when timedatectl is unavailable.
var fallbackTimezones = []string{
	"America/New_York", "America/Chicago", "America/Denver",
	"America/Los_Angeles", "America/Phoenix", "America/Anchorage",
	"Pacific/Honolulu", "UTC",
}

// Service performs system-level operations.
type Service struct {
	runner runner.Runner
}

// NewService returns a Service using the given runner.
func NewService(r runner.Runner) *Service {
	return &Service{runner: r}
}

// WifiConnected reports whether NetworkManager has a connected Wi-Fi
// device.
func (s *Service) WifiConnected(ctx context.Context) bool {
	res := s.runner.Run(ctx, runner.Spec{
		Name: "nmcli", Args: []string{"-t", "-f", "WIFI", "general"},
		Timeout: probeTimeout, Label: "nmcli wifi state",
	})
	if !res.OK() || !strings.Contains(strings.ToLower(res.Stdout), "enabled") {
		return false
	}

	res = s.runner.Run(ctx, runner.Spec{
		Name: "nmcli", Args: []string{"-t", "-f", "TYPE,STATE", "device"},
		Timeout: probeTimeout, Label: "nmcli device state",
	})
	if !res.OK() {
		return false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(line, "wifi:") && strings.Contains(strings.ToLower(line), ":connected") {
			return true
		}
	}
	return false
}

// DeviceIP returns the local address the default route uses.
func (*Service) DeviceIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "Unable to detect"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "Unable to detect"
	}
	return addr.IP.String()
}

// TailscaleAddress returns the device's tailnet DNS name, or
// "Not available" when tailscale is absent or down.
func (s *Service) TailscaleAddress(ctx context.Context) string {
	res := s.runner.Run(ctx, runner.Spec{
		Name: "tailscale", Args: []string{"status", "--json"},
		Timeout: probeTimeout, Label: "tailscale status",
	})
	if !res.OK() {
		return "Not available"
	}
	dnsName := gjson.Get(res.Stdout, "Self.DNSName").String()
	if dnsName == "" {
		return "Not available"
	}
	return strings.TrimSuffix(dnsName, ".")
}

// Timezones lists the canonical timezones known to the system.
func (s *Service) Timezones(ctx context.Context) []string {
	res := s.runner.Run(ctx, runner.Spec{
		Name: "timedatectl", Args: []string{"list-timezones"},
		Timeout: 10 * time.Second, Label: "timedatectl list-timezones",
	})
	if !res.OK() {
		return fallbackTimezones
	}
	var all, filtered []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		tz := strings.TrimSpace(line)
		if tz == "" {
			continue
		}
		all = append(all, tz)
		if tz == "UTC" || hasCanonicalPrefix(tz) {
			filtered = append(filtered, tz)
		}
	}
	if len(filtered) > 0 {
		return filtered
	}
	if len(all) > 0 {
		return all
	}
	return fallbackTimezones
}

func hasCanonicalPrefix(tz string) bool {
	for _, prefix := range canonicalTZPrefixes {
		if strings.HasPrefix(tz, prefix) {
			return true
		}
	}
	return false
}

// CurrentTimezone returns the system timezone.
func (s *Service) CurrentTimezone(ctx context.Context) string {
	res := s.runner.Run(ctx, runner.Spec{
		Name: "timedatectl", Args: []string{"show", "--property=Timezone", "--value"},
		Timeout: probeTimeout, Label: "timedatectl show timezone",
	})
	if res.OK() && strings.TrimSpace(res.Stdout) != "" {
		return strings.TrimSpace(res.Stdout)
	}
	return "America/Chicago"
}

// SetTimezone applies a system-wide timezone.
func (s *Service) SetTimezone(ctx context.Context, tz string) bool {
	res := s.runner.Run(ctx, runner.Spec{
		Name: "sudo", Args: []string{"timedatectl", "set-timezone", tz},
		Timeout: 10 * time.Second, Label: "timedatectl set-timezone",
	})
	return res.OK()
}

// Reboot schedules a system reboot shortly after returning, giving the
// HTTP response time to flush.
func (s *Service) Reboot() {
	s.powerAction("reboot", "shutdown", "-r", "now")
}

// Shutdown schedules a system power-off shortly after returning.
func (s *Service) Shutdown() {
	s.powerAction("shutdown", "shutdown", "now")
}

func (s *Service) powerAction(label string, args ...string) {
	go func() {
		time.Sleep(250 * time.Millisecond)
		slog.Info("executing power action", "action", label)
		res := s.runner.Run(context.Background(), runner.Spec{
			Name: "sudo", Args: args, Timeout: 10 * time.Second, Label: label,
		})
		if !res.OK() {
			slog.Error("power action failed", "action", label, "output", res.Combined())
		}
	}()
}

// ApplyScreenSleep configures the X screen saver timeout.
func (s *Service) ApplyScreenSleep(ctx context.Context, enabled bool, minutes int) {
	args := []string{"s", "off"}
	if enabled {
		args = []string{"s", strconv.Itoa(minutes * 60)}
	}
	res := s.runner.Run(ctx, runner.Spec{
		Name: "xset", Args: args, Timeout: probeTimeout, Label: "xset screen sleep",
	})
	if !res.OK() {
		slog.Warn("failed to apply screen sleep settings", "output", res.Combined())
	}
}
