package settings

import (
	"bytes"
	"strings"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/platform/env"
)

type Entry struct {
	Key   string
	Value string
	Group Group
}

// Rendered is an ordered key/value configuration.
type Rendered struct {
	entries []Entry
}

// Render resolves every schema setting against req: the explicit non-blank
// input wins, then the schema default, then the empty string.
func Render(req domain.Request) Rendered {
	return renderSchema(Schema, req.Inputs)
}

func renderSchema(schema []Setting, inputs map[string]string) Rendered {
	out := Rendered{entries: make([]Entry, 0, len(schema))}
	for _, s := range schema {
		value := s.Default
		if v, ok := inputs[s.Key]; ok && strings.TrimSpace(v) != "" {
			value = v
		}
		out.entries = append(out.entries, Entry{Key: s.Key, Value: value, Group: s.Group})
	}
	return out
}

func (r Rendered) Get(key string) (string, bool) {
	for _, e := range r.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Set updates key in place, appending it when absent.
func (r *Rendered) Set(key, value string) {
	for i := range r.entries {
		if r.entries[i].Key == key {
			r.entries[i].Value = value
			return
		}
	}
	r.entries = append(r.entries, Entry{Key: key, Value: value})
}

func (r Rendered) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r Rendered) Map() map[string]string {
	out := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		out[e.Key] = e.Value
	}
	return out
}

// Encode renders dotenv text, one blank line between groups.
func (r Rendered) Encode() []byte {
	var b bytes.Buffer
	for i, e := range r.entries {
		if i > 0 && e.Group != r.entries[i-1].Group {
			b.WriteByte('\n')
		}
		b.WriteString(formatLine(e.Key, e.Value))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func formatLine(key, value string) string {
	return key + "=" + quote(value)
}

func quote(value string) string {
	if !strings.ContainsAny(value, " \t\r\n#\"'\\`") {
		return value
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(value) + `"`
}

// RenderFrontend derives the front-end module configuration from the
// rendered application configuration.
func RenderFrontend(app Rendered) Rendered {
	get := func(key string) string {
		v, _ := app.Get(key)
		return v
	}
	appURL := strings.TrimRight(get(domain.KeyAppURL), "/")
	return Rendered{entries: []Entry{
		{Key: "VITE_APP_NAME", Value: get(KeyAppName)},
		{Key: "VITE_APP_URL", Value: appURL},
		{Key: "VITE_API_URL", Value: appURL + "/api"},
		{Key: "VITE_PUSHER_APP_KEY", Value: get(KeyPusherAppKey)},
		{Key: "VITE_PUSHER_APP_CLUSTER", Value: get(KeyPusherCluster)},
	}}
}

// RequestFromEnv snapshots every schema and required key from the process
// environment.
func RequestFromEnv() domain.Request {
	keys := Keys()
	for _, k := range domain.RequiredKeys {
		if !contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return domain.NewRequest(env.Snapshot(keys))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
