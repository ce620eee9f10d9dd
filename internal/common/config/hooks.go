package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnumHookFunc rejects values of type target that parse does not accept, so that a typo in an enum
// setting fails at startup instead of at first use.
func EnumHookFunc[T ~string](parse func(string) (T, error)) mapstructure.DecodeHookFuncType {
	var zero T
	target := reflect.TypeOf(zero)
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return parse(data.(string))
	}
}

// DecodeHooks builds the viper decoder option for the given hooks, keeping viper's default string
// to duration and string to slice conversions.
func DecodeHooks(hooks ...mapstructure.DecodeHookFunc) viper.DecoderConfigOption {
	all := append([]mapstructure.DecodeHookFunc{
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	}, hooks...)
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(all...))
}
