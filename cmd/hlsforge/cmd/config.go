package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing hlsforge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration in YAML format.

Without a config file or environment overrides this prints every option with
its default value, which makes a good starting template:

  hlsforge config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, ./configs/config.yaml, /etc/hlsforge/config.yaml)
  - Environment variables (HLSFORGE_SERVER_PORT, HLSFORGE_TOKEN_SECRET, etc.)
  - Command-line flags (for some options)

Environment variables use the HLSFORGE_ prefix and underscores for nesting.
Example: queue.mode -> HLSFORGE_QUEUE_MODE`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// rendering durations and sizes in their human form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case config.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), redactSecrets(*cfg))
}

const redacted = "<redacted>"

// redactSecrets masks credentials so a dump can be shared safely.
func redactSecrets(cfg config.Config) *config.Config {
	for _, s := range []*string{&cfg.Token.Secret, &cfg.Redis.Password, &cfg.Notify.WebhookSecret} {
		if *s != "" {
			*s = redacted
		}
	}
	return &cfg
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# hlsforge Configuration File")
	fmt.Fprintln(w, "# ============================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h, 1d, 2w")
	fmt.Fprintln(w, "# Size format: 512MB, 4GB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   HLSFORGE_SERVER_HOST, HLSFORGE_SERVER_PORT")
	fmt.Fprintln(w, "#   HLSFORGE_DATABASE_DRIVER, HLSFORGE_DATABASE_DSN")
	fmt.Fprintln(w, "#   HLSFORGE_QUEUE_MODE, HLSFORGE_REDIS_ENABLED, HLSFORGE_REDIS_ADDR")
	fmt.Fprintln(w, "#   HLSFORGE_TOKEN_SECRET, HLSFORGE_NOTIFY_WEBHOOK_URL")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(yamlData)
	return err
}
