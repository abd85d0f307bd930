// Package config loads the hierarchical proxy configuration from
// environment variables and an optional YAML file. Environment values
// always win over file values, and settings cascade Global → Pool →
// Instance, the most specific stratum taking precedence.
package config

import (
	"fmt"
	"time"
)

// Settings holds the playwright-mcp launch options for one stratum.
// Every field is a pointer: nil means "not set here, inherit from the
// stratum above".
type Settings struct {
	// Browser settings
	Browser      *string `yaml:"browser,omitempty"`
	Headless     *bool   `yaml:"headless,omitempty"`
	NoSandbox    *bool   `yaml:"no_sandbox,omitempty"`
	Device       *string `yaml:"device,omitempty"`
	ViewportSize *string `yaml:"viewport_size,omitempty"`

	// Profile/storage
	Isolated     *bool   `yaml:"isolated,omitempty"`
	UserDataDir  *string `yaml:"user_data_dir,omitempty"`
	StorageState *string `yaml:"storage_state,omitempty"`

	// Network
	AllowedOrigins *string `yaml:"allowed_origins,omitempty"`
	BlockedOrigins *string `yaml:"blocked_origins,omitempty"`
	ProxyServer    *string `yaml:"proxy_server,omitempty"`

	// Capabilities
	Caps *string `yaml:"caps,omitempty"`

	// Output
	SaveSession *bool   `yaml:"save_session,omitempty"`
	SaveTrace   *bool   `yaml:"save_trace,omitempty"`
	SaveVideo   *string `yaml:"save_video,omitempty"`
	OutputDir   *string `yaml:"output_dir,omitempty"`

	// Timeouts (milliseconds)
	TimeoutAction     *int `yaml:"timeout_action,omitempty"`
	TimeoutNavigation *int `yaml:"timeout_navigation,omitempty"`

	// Images
	ImageResponses *string `yaml:"image_responses,omitempty"`

	// Stealth
	UserAgent         *string `yaml:"user_agent,omitempty"`
	InitScript        *string `yaml:"init_script,omitempty"`
	IgnoreHTTPSErrors *bool   `yaml:"ignore_https_errors,omitempty"`
	EnableStealth     *bool   `yaml:"enable_stealth,omitempty"`

	// Extension support
	Extension      *bool   `yaml:"extension,omitempty"`
	ExtensionToken *string `yaml:"extension_token,omitempty"`
}

// Merge returns a copy of s with every field set in over replacing the
// corresponding field of s.
func (s Settings) Merge(over Settings) Settings {
	out := s
	if over.Browser != nil {
		out.Browser = over.Browser
	}
	if over.Headless != nil {
		out.Headless = over.Headless
	}
	if over.NoSandbox != nil {
		out.NoSandbox = over.NoSandbox
	}
	if over.Device != nil {
		out.Device = over.Device
	}
	if over.ViewportSize != nil {
		out.ViewportSize = over.ViewportSize
	}
	if over.Isolated != nil {
		out.Isolated = over.Isolated
	}
	if over.UserDataDir != nil {
		out.UserDataDir = over.UserDataDir
	}
	if over.StorageState != nil {
		out.StorageState = over.StorageState
	}
	if over.AllowedOrigins != nil {
		out.AllowedOrigins = over.AllowedOrigins
	}
	if over.BlockedOrigins != nil {
		out.BlockedOrigins = over.BlockedOrigins
	}
	if over.ProxyServer != nil {
		out.ProxyServer = over.ProxyServer
	}
	if over.Caps != nil {
		out.Caps = over.Caps
	}
	if over.SaveSession != nil {
		out.SaveSession = over.SaveSession
	}
	if over.SaveTrace != nil {
		out.SaveTrace = over.SaveTrace
	}
	if over.SaveVideo != nil {
		out.SaveVideo = over.SaveVideo
	}
	if over.OutputDir != nil {
		out.OutputDir = over.OutputDir
	}
	if over.TimeoutAction != nil {
		out.TimeoutAction = over.TimeoutAction
	}
	if over.TimeoutNavigation != nil {
		out.TimeoutNavigation = over.TimeoutNavigation
	}
	if over.ImageResponses != nil {
		out.ImageResponses = over.ImageResponses
	}
	if over.UserAgent != nil {
		out.UserAgent = over.UserAgent
	}
	if over.InitScript != nil {
		out.InitScript = over.InitScript
	}
	if over.IgnoreHTTPSErrors != nil {
		out.IgnoreHTTPSErrors = over.IgnoreHTTPSErrors
	}
	if over.EnableStealth != nil {
		out.EnableStealth = over.EnableStealth
	}
	if over.Extension != nil {
		out.Extension = over.Extension
	}
	if over.ExtensionToken != nil {
		out.ExtensionToken = over.ExtensionToken
	}
	return out
}

// Global defaults applied when no stratum sets the key.
const (
	DefaultBrowser           = "chromium"
	DefaultCaps              = "vision,pdf"
	DefaultTimeoutAction     = 15000
	DefaultTimeoutNavigation = 5000
	DefaultImageResponses    = "allow"
	DefaultViewportSize      = "1920x1080"
)

// Stealth macro defaults. A key already set at any stratum is not
// overridden by the macro.
const (
	StealthInitScript = "stealth.js"
	StealthUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// ApplyDefaults fills unset fields with the global defaults and expands
// the enable_stealth macro. Call only on a fully merged Settings.
func (s Settings) ApplyDefaults() Settings {
	if s.Browser == nil {
		s.Browser = strptr(DefaultBrowser)
	}
	if s.Headless == nil {
		s.Headless = boolptr(false)
	}
	if s.Caps == nil {
		s.Caps = strptr(DefaultCaps)
	}
	if s.TimeoutAction == nil {
		s.TimeoutAction = intptr(DefaultTimeoutAction)
	}
	if s.TimeoutNavigation == nil {
		s.TimeoutNavigation = intptr(DefaultTimeoutNavigation)
	}
	if s.ImageResponses == nil {
		s.ImageResponses = strptr(DefaultImageResponses)
	}
	if s.ViewportSize == nil {
		s.ViewportSize = strptr(DefaultViewportSize)
	}

	if s.EnableStealth != nil && *s.EnableStealth {
		if s.InitScript == nil {
			s.InitScript = strptr(StealthInitScript)
		}
		if s.UserAgent == nil {
			s.UserAgent = strptr(StealthUserAgent)
		}
	}
	return s
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }
func intptr(i int) *int       { return &i }
