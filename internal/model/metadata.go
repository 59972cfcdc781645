package model

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// DecodeStrategyDocument hydrates a strongly-typed strategy config struct
// (the persisted "strategy" embedded document of §6, e.g. a DumpStrategy's
// or HybridStrategy's settings) from the generic map a TaskStore hands back.
// It uses weak typing so string-to-int/bool/time conversions coming out of a
// document store succeed without a manual field-by-field switch.
func DecodeStrategyDocument[T any](doc map[string]any) (*T, error) {
	var result T

	config := &mapstructure.DecoderConfig{
		Result:           &result,
		WeaklyTypedInput: true,
		TagName:          "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(doc); err != nil {
		return nil, err
	}
	return &result, nil
}

// EncodeStrategyDocument is the inverse of DecodeStrategyDocument, used when
// persisting a strategy's config back into the generic document shape a
// TaskStore expects.
func EncodeStrategyDocument(v any) (map[string]any, error) {
	var doc map[string]any
	if err := mapstructure.Decode(v, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
