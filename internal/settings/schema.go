package settings

import "github.com/animus-labs/appbootstrap/internal/domain"

type Group string

const (
	GroupIdentity   Group = "identity"
	GroupLogging    Group = "logging"
	GroupDatabase   Group = "database"
	GroupCache      Group = "cache"
	GroupSession    Group = "session"
	GroupQueue      Group = "queue"
	GroupMail       Group = "mail"
	GroupThirdParty Group = "third_party"
)

// Setting is one row of the rendered configuration schema. An empty
// Default means the key renders empty unless supplied.
type Setting struct {
	Key     string
	Default string
	Group   Group
}

const (
	KeyAppName         = "APP_NAME"
	KeyAppKey          = "APP_KEY"
	KeyDBConnection    = "DB_CONNECTION"
	KeyDBDatabase      = "DB_DATABASE"
	KeyDBUsername      = "DB_USERNAME"
	KeyDBPassword      = "DB_PASSWORD"
	KeyCacheDriver     = "CACHE_DRIVER"
	KeyRedisHost       = "REDIS_HOST"
	KeyRedisPassword   = "REDIS_PASSWORD"
	KeyRedisPort       = "REDIS_PORT"
	KeySessionDriver   = "SESSION_DRIVER"
	KeyQueueConnection = "QUEUE_CONNECTION"
	KeyPusherAppKey    = "PUSHER_APP_KEY"
	KeyPusherCluster   = "PUSHER_APP_CLUSTER"
)

// Schema is the fixed, ordered table of rendered settings.
var Schema = []Setting{
	{Key: KeyAppName, Default: "App", Group: GroupIdentity},
	{Key: "APP_ENV", Default: "production", Group: GroupIdentity},
	{Key: KeyAppKey, Group: GroupIdentity},
	{Key: "APP_DEBUG", Default: "false", Group: GroupIdentity},
	{Key: domain.KeyAppURL, Group: GroupIdentity},
	{Key: "APP_TIMEZONE", Default: "UTC", Group: GroupIdentity},
	{Key: "APP_LOCALE", Default: "en", Group: GroupIdentity},
	{Key: domain.KeyLicense, Group: GroupIdentity},

	{Key: "LOG_CHANNEL", Default: "stack", Group: GroupLogging},
	{Key: "LOG_LEVEL", Default: "error", Group: GroupLogging},

	{Key: KeyDBConnection, Default: "mysql", Group: GroupDatabase},
	{Key: domain.KeyDBHost, Group: GroupDatabase},
	{Key: domain.KeyDBPort, Group: GroupDatabase},
	{Key: KeyDBDatabase, Default: "app", Group: GroupDatabase},
	{Key: KeyDBUsername, Default: "app", Group: GroupDatabase},
	{Key: KeyDBPassword, Group: GroupDatabase},

	{Key: KeyCacheDriver, Default: "file", Group: GroupCache},
	{Key: KeyRedisHost, Default: "redis", Group: GroupCache},
	{Key: KeyRedisPassword, Default: "null", Group: GroupCache},
	{Key: KeyRedisPort, Default: "6379", Group: GroupCache},

	{Key: KeySessionDriver, Default: "file", Group: GroupSession},
	{Key: "SESSION_LIFETIME", Default: "120", Group: GroupSession},

	{Key: KeyQueueConnection, Default: "sync", Group: GroupQueue},
	{Key: "BROADCAST_DRIVER", Default: "log", Group: GroupQueue},
	{Key: "FILESYSTEM_DISK", Default: "local", Group: GroupQueue},

	{Key: "MAIL_MAILER", Default: "smtp", Group: GroupMail},
	{Key: "MAIL_HOST", Default: "localhost", Group: GroupMail},
	{Key: "MAIL_PORT", Default: "587", Group: GroupMail},
	{Key: "MAIL_USERNAME", Group: GroupMail},
	{Key: "MAIL_PASSWORD", Group: GroupMail},
	{Key: "MAIL_ENCRYPTION", Default: "tls", Group: GroupMail},
	{Key: "MAIL_FROM_ADDRESS", Group: GroupMail},
	{Key: "MAIL_FROM_NAME", Default: "${APP_NAME}", Group: GroupMail},

	{Key: "PUSHER_APP_ID", Group: GroupThirdParty},
	{Key: KeyPusherAppKey, Group: GroupThirdParty},
	{Key: "PUSHER_APP_SECRET", Group: GroupThirdParty},
	{Key: KeyPusherCluster, Default: "mt1", Group: GroupThirdParty},
}

// Keys returns every schema key in order.
func Keys() []string {
	keys := make([]string, 0, len(Schema))
	for _, s := range Schema {
		keys = append(keys, s.Key)
	}
	return keys
}
