package locking

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ServerNameFromConnectionString extracts the server name from a SQL Server
// connection string URL, for use in lock blob paths. Localhost and bare IP
// addresses are replaced with the machine's hostname so locks stay unique per
// machine rather than colliding on "localhost".
func ServerNameFromConnectionString(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	server := strings.Split(host, ".")[0]
	if server == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.EqualFold(server, "localhost") || net.ParseIP(host) != nil {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		server = hostname
	}

	return strings.ToLower(server), nil
}
