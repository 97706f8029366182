package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	KeyLicense = "LICENSE_KEY"
	KeyDBHost  = "DB_HOST"
	KeyDBPort  = "DB_PORT"
	KeyAppURL  = "APP_URL"
)

// RequiredKeys lists the inputs without which nothing may run.
var RequiredKeys = []string{KeyLicense, KeyDBHost, KeyDBPort, KeyAppURL}

// Request is the full set of process inputs for one bootstrap run.
type Request struct {
	LicenseKey string
	DBHost     string
	DBPort     string
	AppURL     string

	// Inputs holds every supplied, non-blank setting keyed by name,
	// including the required ones.
	Inputs map[string]string
}

func NewRequest(inputs map[string]string) Request {
	copied := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if strings.TrimSpace(v) == "" {
			continue
		}
		copied[k] = v
	}
	return Request{
		LicenseKey: strings.TrimSpace(copied[KeyLicense]),
		DBHost:     strings.TrimSpace(copied[KeyDBHost]),
		DBPort:     strings.TrimSpace(copied[KeyDBPort]),
		AppURL:     strings.TrimSpace(copied[KeyAppURL]),
		Inputs:     copied,
	}
}

// Input returns the explicit, non-blank value supplied for key.
func (r Request) Input(key string) (string, bool) {
	v, ok := r.Inputs[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Validate reports every missing or malformed required input at once.
func (r Request) Validate() error {
	var problems []string
	if r.LicenseKey == "" {
		problems = append(problems, KeyLicense+" is required")
	}
	if r.DBHost == "" {
		problems = append(problems, KeyDBHost+" is required")
	}
	if r.DBPort == "" {
		problems = append(problems, KeyDBPort+" is required")
	} else if _, err := ParsePort(r.DBPort); err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", KeyDBPort, err))
	}
	if r.AppURL == "" {
		problems = append(problems, KeyAppURL+" is required")
	} else if u, err := url.Parse(r.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("%s must be an absolute URL: %q", KeyAppURL, r.AppURL))
	}
	if len(problems) > 0 {
		return &Error{Kind: KindConfiguration, Err: errors.New(strings.Join(problems, "; "))}
	}
	return nil
}

// ParsePort parses a TCP port number.
func ParsePort(value string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", value)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
