package types

// DefaultURLPattern matches every URL.
const DefaultURLPattern = ".*"

// Settings is the live capture configuration.
type Settings struct {
	Enabled    bool   `json:"enabled"`
	URLPattern string `json:"urlPattern"`
}

// DefaultSettings returns capture disabled with a match-all pattern.
func DefaultSettings() Settings {
	return Settings{Enabled: false, URLPattern: DefaultURLPattern}
}

// Normalize replaces an empty pattern with the match-all default.
func (s Settings) Normalize() Settings {
	if s.URLPattern == "" {
		s.URLPattern = DefaultURLPattern
	}
	return s
}

// SettingsUpdate carries a partial settings write. Nil fields are left unchanged.
type SettingsUpdate struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	URLPattern *string `json:"urlPattern,omitempty"`
}

// Apply returns s with the update's non-nil fields applied.
func (u SettingsUpdate) Apply(s Settings) Settings {
	if u.Enabled != nil {
		s.Enabled = *u.Enabled
	}
	if u.URLPattern != nil {
		s.URLPattern = *u.URLPattern
	}
	return s.Normalize()
}

// SettingsChange describes one changed settings key.
type SettingsChange struct {
	Key      string `json:"key"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}
