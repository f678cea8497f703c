package config

// ConfigBackend reads and writes non-secret settings by dotted key
// ("server.port"). macOS uses UserDefaults via the `defaults` CLI; other
// platforms use a nested YAML file. Bool and float keys are stored as
// strings and parsed by the key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
