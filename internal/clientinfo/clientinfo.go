// ABOUTME: Client environment snapshot supplier for auth enrichment
// ABOUTME: Collects host, network, and best-effort IP geolocation details

package clientinfo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"
)

// DefaultLookupURL is the IP geolocation endpoint used when none is configured.
const DefaultLookupURL = "https://ipapi.co/json/"

// lookupTimeout bounds the geolocation call; on expiry the snapshot degrades
// to a location with Source "none".
const lookupTimeout = 10 * time.Second

// DeviceInfo describes the host this client runs on.
type DeviceInfo struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"numCpu"`
	GoVersion string `json:"goVersion"`
	Timezone  string `json:"timezone"`
	Timestamp string `json:"timestamp"`
}

// NetworkInfo summarizes the host's network stance.
type NetworkInfo struct {
	Interfaces int  `json:"interfaces"`
	HasIPv4    bool `json:"hasIpv4"`
	HasIPv6    bool `json:"hasIpv6"`
}

// LocationInfo is a best-effort geolocation of the client's public address.
type LocationInfo struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	City        string   `json:"city,omitempty"`
	Region      string   `json:"region,omitempty"`
	Country     string   `json:"country,omitempty"`
	CountryCode string   `json:"countryCode,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Source      string   `json:"source"`
	Error       string   `json:"error,omitempty"`
}

// Snapshot is the full client context attached to login and register calls.
type Snapshot struct {
	Device    DeviceInfo   `json:"device"`
	Network   NetworkInfo  `json:"network"`
	Location  LocationInfo `json:"location"`
	SessionID string       `json:"sessionId"`
	Timestamp string       `json:"timestamp"`
}

// Supplier produces client context snapshots.
type Supplier struct {
	lookupURL string
	http      *http.Client
	logger    *slog.Logger
}

// New creates a Supplier. An empty lookupURL uses DefaultLookupURL; pass nil
// logger for default.
func New(lookupURL string, logger *slog.Logger) *Supplier {
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supplier{
		lookupURL: lookupURL,
		http:      &http.Client{Timeout: lookupTimeout},
		logger:    logger.With("component", "clientinfo"),
	}
}

// Device returns details about the host environment.
func (s *Supplier) Device() DeviceInfo {
	hostname, _ := os.Hostname()
	zone, _ := time.Now().Zone()
	return DeviceInfo{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		GoVersion: runtime.Version(),
		Timezone:  zone,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Network inspects local interfaces for address families in use.
func (s *Supplier) Network() NetworkInfo {
	info := NetworkInfo{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return info
	}
	info.Interfaces = len(ifaces)
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ipNet.IP.To4() != nil {
				info.HasIPv4 = true
			} else {
				info.HasIPv6 = true
			}
		}
	}
	return info
}

// Location resolves the client's public address via the lookup endpoint.
// Failures degrade to a LocationInfo with Source "none" rather than an error.
func (s *Supplier) Location(ctx context.Context) LocationInfo {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.lookupURL, nil)
	if err != nil {
		return LocationInfo{Source: "none", Error: err.Error()}
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Debug("ip lookup failed", "error", err)
		return LocationInfo{Source: "none", Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return LocationInfo{Source: "none", Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var body struct {
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
		City        string   `json:"city"`
		Region      string   `json:"region"`
		Country     string   `json:"country"`
		CountryCode string   `json:"country_code"`
		Timezone    string   `json:"timezone"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LocationInfo{Source: "none", Error: err.Error()}
	}

	return LocationInfo{
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		City:        body.City,
		Region:      body.Region,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Timezone:    body.Timezone,
		Source:      "ip",
	}
}

// Snapshot assembles the complete client context.
func (s *Supplier) Snapshot(ctx context.Context) Snapshot {
	return Snapshot{
		Device:    s.Device(),
		Network:   s.Network(),
		Location:  s.Location(ctx),
		SessionID: GenerateSessionID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// GenerateSessionID produces a unique id for one client session.
func GenerateSessionID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
