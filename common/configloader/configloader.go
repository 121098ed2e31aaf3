package configloader

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load заполняет cfgPtr: defaults → YAML → ENV, затем Validate(), если он есть.
//
// Ключ "redis.url" при envPrefix "FEEDER" переопределяется FEEDER_REDIS_URL.
// Пустой path берётся из <PREFIX>_CONFIG_FILE; если и его нет, файл не читается.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()
	for key, val := range snapshotDefaults() {
		v.SetDefault(key, val)
	}

	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		if path == "" {
			path = os.Getenv(envPrefix + "_CONFIG_FILE")
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read %q: %w", path, err)
		}
	}

	// AllSettings не видит ENV без default'а, поэтому идём через Get по ключам.
	settings := map[string]interface{}{}
	for _, key := range v.AllKeys() {
		setNested(settings, strings.Split(key, "."), v.Get(key))
	}
	if err := decode(settings, cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode: %w", err)
	}

	if vv, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := vv.Validate(); err != nil {
			return fmt.Errorf("configloader: invalid config: %w", err)
		}
	}
	return nil
}

func setNested(m map[string]interface{}, path []string, val interface{}) {
	last := len(path) - 1
	for _, p := range path[:last] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[p] = next
		}
		m = next
	}
	m[path[last]] = val
}
