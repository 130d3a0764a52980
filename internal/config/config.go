package config

import (
	"fmt"
	"net/url"
	"strings"
)

type Config struct {
	APIBaseURL string
	SocketURL  string
	StatePath  string
}

func deriveSocketURL(apiURL *url.URL) string {
	ws := *apiURL
	if apiURL.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	ws.Path = strings.TrimRight(ws.Path, "/") + "/ws"
	return ws.String()
}

// NewConfig validates the client settings. An empty socketURL is derived
// from the API base URL (http becomes ws, https becomes wss).
func NewConfig(apiBaseURL, socketURL, statePath string) (*Config, error) {
	if apiBaseURL == "" {
		return nil, fmt.Errorf("api base URL cannot be empty")
	}
	if statePath == "" {
		return nil, fmt.Errorf("state path cannot be empty")
	}

	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api base URL missing host")
	}

	if socketURL == "" {
		socketURL = deriveSocketURL(u)
	} else {
		su, err := url.Parse(socketURL)
		if err != nil {
			return nil, fmt.Errorf("parse socket URL: %w", err)
		}
		if su.Scheme != "ws" && su.Scheme != "wss" {
			return nil, fmt.Errorf("socket URL scheme must be ws or wss, got %q", su.Scheme)
		}
	}

	return &Config{
		APIBaseURL: strings.TrimRight(apiBaseURL, "/"),
		SocketURL:  socketURL,
		StatePath:  statePath,
	}, nil
}
