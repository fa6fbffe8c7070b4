package models

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

/**
convenience function to perform a mapstructure decode using the customised decode hook below,
to handle UUID and timestamp strings. Input is weakly typed, since scheduler tools are not consistent
about quoting numbers.
*/
func CustomisedMapStructureDecode(incoming interface{}, outgoing interface{}) error {
	decoder, setupErr := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructureDecodeHook,
		WeaklyTypedInput: true,
		Result:           outgoing,
	})
	if setupErr != nil {
		return setupErr
	}
	return decoder.Decode(incoming)
}

/**
this custom decode hook will perform a couple of extra conversions:
- if the input type is string and the output is uuid, then it will attempt to parse the uuid and send the error back
up the chain if it can't
- if the input type is string and the output is time, then it will attempt to parse the time as an RFC 3339 timestamp
and send the error back up the chain if it can't.
- if the input type is a number and the output is time, it is taken as seconds since the epoch
*/
func mapstructureDecodeHook(inType reflect.Type, outType reflect.Type, value interface{}) (interface{}, error) {
	if inType == reflect.TypeOf("") && outType == reflect.TypeOf(uuid.UUID{}) {
		return uuid.Parse(value.(string))
	} else if inType == reflect.TypeOf("") && outType == reflect.TypeOf(time.Time{}) {
		return time.Parse(time.RFC3339, value.(string))
	} else if outType == reflect.TypeOf(time.Time{}) {
		switch v := value.(type) {
		case float64:
			return time.Unix(int64(v), 0), nil
		case int64:
			return time.Unix(v, 0), nil
		case int:
			return time.Unix(int64(v), 0), nil
		}
	}
	return value, nil
}
