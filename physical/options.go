package physical

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
)

// durationHook parses durations the way the rest of the configuration does:
// a bare number is seconds, anything else is Go duration syntax.
func durationHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	return parseutil.ParseDurationSecond(data.(string))
}

// DecodeOptions decodes a backend option map into out, a pointer to a struct
// tagged with `mapstructure`. Values are weakly typed so "128" fills an int
// and "true" fills a bool. Unknown keys are ignored.
func DecodeOptions(conf map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(durationHook),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(conf); err != nil {
		return fmt.Errorf("invalid backend options: %w", err)
	}
	return nil
}
