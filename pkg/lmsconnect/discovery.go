package lmsconnect

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

func generateUrls(hosts []string, ports []int) (urls []string) {

	protocols := []string{"http", "https"}

	if len(hosts) == 0 || hosts[0] == "" {
		hosts = DefaultAPIHosts
	}

	if len(ports) == 0 || ports[0] == 0 {
		ports = DefaultAPIPorts
	}

	for _, proto := range protocols {
		for _, host := range hosts {
			for _, port := range ports {
				urls = append(urls, fmt.Sprintf("%s://%s:%d", proto, host, port))
			}
		}
	}
	return urls
}

// DiscoverServer attempts to discover an API server reachable from this
// machine. It first checks localhost candidates, then non-loopback IPv4
// interface addresses. Returns the discovered base URL if found, or an
// error if not found.
func DiscoverServer(host string, port int, logger Logger) (discoveredUrl string, err error) {

	if logger == nil {
		logger = NewLogger(LogLevelInfo)
	}

	logger.Debug("Attempting to discover an API server...")

	localhostUrls := generateUrls([]string{host}, []int{port})

	if found := probeCandidates(localhostUrls, logger); found != "" {
		logger.Debug("API server found at %s", found)
		return found, nil
	}

	// If not found on localhost, check all network interfaces
	netAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	ipaddrs := []string{}

	for _, netAddr := range netAddrs {
		if ipnet, ok := netAddr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ipaddrs = append(ipaddrs, ipnet.IP.String())
		}
	}

	networkUrls := generateUrls(ipaddrs, []int{port})

	if found := probeCandidates(networkUrls, logger); found != "" {
		logger.Info("API server found at %s", found)
		return found, nil
	}

	return "", fmt.Errorf("no API server found on the local network")
}

// probeCandidates checks the candidate URLs concurrently and returns the
// first one that answered, or the empty string when none did.
func probeCandidates(urls []string, logger Logger) string {
	var (
		mu    sync.Mutex
		found string
	)

	g := &errgroup.Group{}
	g.SetLimit(8)

	for _, candidate := range urls {
		candidate := candidate
		g.Go(func() error {
			if isServerRunning(candidate, logger) {
				mu.Lock()
				if found == "" {
					found = candidate
				}
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return found
}

// isServerRunning checks if an API server is running at the given address
func isServerRunning(url string, logger Logger) bool {
	client := &http.Client{
		Timeout: 2 * time.Second,
	}

	url += "/v1/models"

	// The models endpoint is always served when the server is up.
	resp, err := client.Get(url)
	if err != nil {
		logger.Debug("Failed to connect to %s: %v", url, err)
		return false
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		logger.Debug("Successfully connected to API server at %s", url)
		return true
	}

	logger.Debug("Received unexpected status code %d from %s", resp.StatusCode, url)
	return false
}
