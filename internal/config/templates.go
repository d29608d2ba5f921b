package config

import (
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Template renders the default configuration as a TOML document.
func Template() (string, error) {
	def := Default()
	idle := "0s"
	if def.IdleTimeout > 0 {
		idle = def.IdleTimeout.String()
	}
	raw := fileConfig{
		NodeID:         def.NodeID,
		ListenAddr:     def.ListenAddr,
		AdminAddr:      def.AdminAddr,
		IdleTimeout:    idle,
		MaxConnections: def.MaxConnections,
		ReadBufferSize: def.ReadBufferSize,
		Commands:       def.Commands,
		CorsOrigins:    def.CorsOrigins,
		Log: fileLogConfig{
			Level: def.Log.Level,
			JSON:  def.Log.JSON,
		},
	}
	out, err := gotoml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return templateHeader + string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const templateHeader = `# aapid configuration.
# commands: names of built-in commands to enable; empty enables all, "kv" enables kv.*.
# idle_timeout: Go duration; "0s" disables idle closing.
# read_buffer_size: bytes; the largest request read whole from one burst is this minus 16.

`
