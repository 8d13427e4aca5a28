package config

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/haukened/securestore/internal/domain"
)

// StringToCompressionType is a DecodeHookFunc that normalizes a string into a
// domain.CompressionType, rejecting names outside the supported set.
func StringToCompressionType() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(domain.CompressionType("")) {
			return data, nil
		}
		return domain.ParseCompressionType(reflect.ValueOf(data).String())
	}
}
