package configloader

import (
	"github.com/mitchellh/mapstructure"
)

// decode переносит настройки viper в типизированную структуру.
// WeaklyTypedInput нужен для ENV: "300" → int, "true" → bool.
// TextUnmarshaler покрывает доменные типы вроде таймфреймов.
func decode(input map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  target,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
