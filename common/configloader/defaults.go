package configloader

import "sync"

var (
	defaultsMu sync.RWMutex
	defaults   = map[string]interface{}{}
)

// RegisterDefaults задаёт default для ключа "section.key".
func RegisterDefaults(key string, v interface{}) {
	RegisterDefaultsMap(map[string]interface{}{key: v})
}

// RegisterDefaultsMap принимает и плоские ключи ("redis.url"), и вложенные
// map'ы ({"redis": {"url": ...}}); всё хранится в плоском виде.
func RegisterDefaultsMap(m map[string]interface{}) {
	flat := make(map[string]interface{}, len(m))
	flatten("", m, flat)

	defaultsMu.Lock()
	for k, v := range flat {
		defaults[k] = v
	}
	defaultsMu.Unlock()
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		if prefix != "" {
			k = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			flatten(k, nested, out)
			continue
		}
		out[k] = v
	}
}

func snapshotDefaults() map[string]interface{} {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	cp := make(map[string]interface{}, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	return cp
}
