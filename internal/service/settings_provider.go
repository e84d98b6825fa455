package service

// SettingsProvider provides runtime-configurable settings.
type SettingsProvider interface {
	IsSetupCompleted() bool
	MarkSetupCompleted() error
}
