package config

import "fmt"

// KeyInfo is one row of `strongbuy config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(settings))
	for _, s := range settings {
		if s.secret {
			continue
		}
		rows = append(rows, KeyInfo{Key: s.key, EnvVar: s.env(), Value: s.value(cfg)})
	}
	return rows
}

// SetKey validates value against the key's type and persists it. Secrets are
// written to the keychain, everything else to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), NewKeychain(), key, value)
}

func setKey(b ConfigBackend, kc Keychain, key, value string) error {
	s, ok := lookupSetting(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}

	var scratch Config
	if err := s.parse(&scratch, value); err != nil {
		return err
	}
	switch {
	case s.secret:
		return kc.Set(keychainService, key, value)
	case s.isInt():
		return b.SetInt(key, *s.field(&scratch).(*int))
	default:
		return b.SetString(key, value)
	}
}

// ValidKeys returns every config key name, secrets included.
func ValidKeys() []string {
	keys := make([]string, len(settings))
	for i, s := range settings {
		keys[i] = s.key
	}
	return keys
}
