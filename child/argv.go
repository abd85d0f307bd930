// Package child supervises one playwright-mcp subprocess: it derives
// the launch command from the instance configuration, frames stdio as
// newline-delimited JSON-RPC 2.0, and multiplexes calls by request id.
package child

import (
	"os"
	"strconv"

	"github.com/pithecene-io/pwproxy/config"
)

// launcherPackage is the npm package run via npx.
const launcherPackage = "@playwright/mcp@latest"

// Argv builds the child command line from effective instance settings.
// Only keys present in the settings emit flags.
func Argv(s config.Settings) []string {
	argv := []string{"npx", launcherPackage}

	appendStr := func(flag string, v *string) {
		if v != nil && *v != "" {
			argv = append(argv, flag, *v)
		}
	}
	appendBool := func(flag string, v *bool) {
		if v != nil && *v {
			argv = append(argv, flag)
		}
	}
	appendInt := func(flag string, v *int) {
		if v != nil {
			argv = append(argv, flag, strconv.Itoa(*v))
		}
	}

	appendStr("--browser", s.Browser)
	appendBool("--headless", s.Headless)
	appendBool("--no-sandbox", s.NoSandbox)
	appendStr("--device", s.Device)
	appendStr("--viewport-size", s.ViewportSize)
	appendBool("--isolated", s.Isolated)
	appendStr("--user-data-dir", s.UserDataDir)
	appendStr("--storage-state", s.StorageState)
	appendStr("--allowed-origins", s.AllowedOrigins)
	appendStr("--blocked-origins", s.BlockedOrigins)
	appendStr("--proxy-server", s.ProxyServer)
	appendStr("--caps", s.Caps)
	appendBool("--save-session", s.SaveSession)
	appendBool("--save-trace", s.SaveTrace)
	appendStr("--save-video", s.SaveVideo)
	appendStr("--output-dir", s.OutputDir)
	appendInt("--timeout-action", s.TimeoutAction)
	appendInt("--timeout-navigation", s.TimeoutNavigation)
	appendStr("--image-responses", s.ImageResponses)
	appendStr("--user-agent", s.UserAgent)
	appendStr("--init-script", s.InitScript)
	appendBool("--ignore-https-errors", s.IgnoreHTTPSErrors)
	appendBool("--extension", s.Extension)
	appendStr("--extension-token", s.ExtensionToken)

	return argv
}

// Env builds the child environment: the parent environment plus the
// extension token, which browser extensions read from
// PLAYWRIGHT_MCP_EXTENSION_TOKEN.
func Env(s config.Settings) []string {
	env := os.Environ()
	if s.ExtensionToken != nil && *s.ExtensionToken != "" {
		env = append(env, "PLAYWRIGHT_MCP_EXTENSION_TOKEN="+*s.ExtensionToken)
	}
	return env
}
