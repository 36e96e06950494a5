package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// envPrefix namespaces every environment variable override, e.g.
// OET_LISTEN_ADDR.
const envPrefix = "OET_"

// Resolve builds the final Flags value: built-in defaults, overlaid by
// an ini file at path (if path is non-empty and the file exists),
// overlaid by OET_* environment variables — the precedence order spec.md
// §6.3 requires. A missing path is not an error; a malformed one is.
func Resolve(path string) (Flags, error) {
	f := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			values, err := parseINI(string(data))
			if err != nil {
				return Flags{}, fmt.Errorf("invalid config file %s: %w", path, err)
			}
			if err := applyValues(&f, values); err != nil {
				return Flags{}, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no config file is not an error: defaults (possibly
			// overridden by env) still apply.
		default:
			return Flags{}, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}

	envValues := map[string]string{}
	for _, key := range []string{
		"listen_addr", "script_worker_path", "abort_script_uri",
		"sandbox_base_dir", "request_timeout", "discard_first_event",
		"git_defaults_file",
	} {
		if v, ok := os.LookupEnv(envPrefix + upperSnake(key)); ok {
			envValues[key] = v
		}
	}
	if err := applyValues(&f, envValues); err != nil {
		return Flags{}, fmt.Errorf("invalid environment override: %w", err)
	}

	defaults, err := LoadGitDefaults(f.GitDefaultsFile)
	if err != nil {
		return Flags{}, err
	}
	f.GitDefaults = defaults

	return f, nil
}

func applyValues(f *Flags, values map[string]string) error {
	if v, ok := values["listen_addr"]; ok && v != "" {
		f.ListenAddr = v
	}
	if v, ok := values["script_worker_path"]; ok && v != "" {
		f.ScriptWorkerPath = v
	}
	if v, ok := values["abort_script_uri"]; ok && v != "" {
		f.AbortScriptURI = v
	}
	if v, ok := values["sandbox_base_dir"]; ok && v != "" {
		f.SandboxBaseDir = v
	}
	if v, ok := values["request_timeout"]; ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("request_timeout: %w", err)
		}
		f.RequestTimeout = d
	}
	if v, ok := values["discard_first_event"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("discard_first_event: %w", err)
		}
		f.DiscardFirstEvent = b
	}
	if v, ok := values["git_defaults_file"]; ok && v != "" {
		f.GitDefaultsFile = v
	}
	return nil
}

func upperSnake(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
