package settings

import (
	"net/url"
	"strings"

	"github.com/animus-labs/appbootstrap/internal/domain"
)

const (
	EndpointDatabase = "database"
	EndpointCache    = "cache"
)

// Endpoints lists the backing services req depends on. The cache is only
// required when a driver uses redis or REDIS_HOST was supplied explicitly.
func Endpoints(req domain.Request) ([]domain.Endpoint, error) {
	dbPort, err := domain.ParsePort(req.DBPort)
	if err != nil {
		return nil, domain.Errorf(domain.KindConfiguration, "%s: %w", domain.KeyDBPort, err)
	}
	out := []domain.Endpoint{{Name: EndpointDatabase, Host: req.DBHost, Port: dbPort}}

	rendered := Render(req)
	_, explicitHost := req.Input(KeyRedisHost)
	if !explicitHost && !usesRedis(rendered) {
		return out, nil
	}
	host, _ := rendered.Get(KeyRedisHost)
	rawPort, _ := rendered.Get(KeyRedisPort)
	port, err := domain.ParsePort(rawPort)
	if err != nil {
		return nil, domain.Errorf(domain.KindConfiguration, "%s: %w", KeyRedisPort, err)
	}
	if strings.TrimSpace(host) == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "%s is empty", KeyRedisHost)
	}
	out = append(out, domain.Endpoint{Name: EndpointCache, Host: host, Port: port})
	return out, nil
}

func usesRedis(r Rendered) bool {
	for _, key := range []string{KeyCacheDriver, KeySessionDriver, KeyQueueConnection} {
		if v, _ := r.Get(key); strings.EqualFold(strings.TrimSpace(v), "redis") {
			return true
		}
	}
	return false
}

// RedisPassword returns the cache password, treating the dotenv "null"
// literal as unset.
func RedisPassword(r Rendered) string {
	v, _ := r.Get(KeyRedisPassword)
	if strings.EqualFold(strings.TrimSpace(v), "null") {
		return ""
	}
	return v
}

// DatabaseURL builds a postgres connection string from the rendered
// settings. Only meaningful when DB_CONNECTION is pgsql.
func DatabaseURL(r Rendered) string {
	get := func(key string) string {
		v, _ := r.Get(key)
		return v
	}
	port, _ := domain.ParsePort(get(domain.KeyDBPort))
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(get(KeyDBUsername), get(KeyDBPassword)),
		Host:   domain.Endpoint{Host: get(domain.KeyDBHost), Port: port}.Address(),
		Path:   "/" + get(KeyDBDatabase),
	}
	return u.String()
}
