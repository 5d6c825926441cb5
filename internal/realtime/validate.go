package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/taxi-dispatch/internal/models"
)

// FieldErrors is the ERROR info for malformed input: field name -> messages.
type FieldErrors map[string][]string

type envelope struct {
	MessageType string          `json:"message_type"`
	Info        json.RawMessage `json:"info"`
}

func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(jsonName)
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		info := sl.Current().Interface().(MakeOrderInfo)
		if info.Price == nil {
			return
		}
		if info.Price.IsNegative() {
			sl.ReportError(info.Price, "price", "Price", "gte0", "")
		} else if info.Price.Exponent() < -2 {
			sl.ReportError(info.Price, "price", "Price", "decimal2", "")
		}
	}, MakeOrderInfo{})
	return v
}

// parseEnvelope checks the frame shape and the role's allow-list.
func parseEnvelope(data []byte, allowed map[string]bool) (envelope, FieldErrors) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, FieldErrors{"non_field_errors": {"Invalid data. Expected a dictionary."}}
	}
	switch {
	case env.MessageType == "":
		return env, FieldErrors{"message_type": {"This field is required."}}
	case !allowed[env.MessageType]:
		return env, FieldErrors{"message_type": {"Unexpected message type."}}
	case needsInfo[env.MessageType] && isEmpty(env.Info):
		return env, FieldErrors{"info": {"This field is required."}}
	}
	return env, nil
}

// DecodeInfo validates a JSON object against dst's json and validate tags
// and reports problems the way ERROR frames do.
func (s *Service) DecodeInfo(raw json.RawMessage, dst any) FieldErrors {
	return decodeInfo(s.validate, raw, dst)
}

func isEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// decodeInfo fills dst field by field so a bad value is reported under its
// own name, then runs the validator over the result.
func decodeInfo(v *validator.Validate, raw json.RawMessage, dst any) FieldErrors {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return FieldErrors{"info": {"Expected a dictionary of items."}}
	}

	errs := FieldErrors{}
	rv := reflect.ValueOf(dst).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		name := jsonName(rt.Field(i))
		value, ok := fields[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, rv.Field(i).Addr().Interface()); err != nil {
			errs[name] = append(errs[name], decodeMessage(err))
		}
	}

	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			errs["non_field_errors"] = append(errs["non_field_errors"], err.Error())
		}
		for _, fe := range verrs {
			name := topField(fe.Namespace())
			if _, reported := errs[name]; reported {
				continue
			}
			errs[name] = append(errs[name], ruleMessage(fe))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// topField turns "MakeOrderInfo.location_from.Lat" into "location_from".
func topField(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) < 2 {
		return ns
	}
	return parts[1]
}

func decodeMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, models.ErrCoordFormat):
		return err.Error()
	case errors.As(err, &typeErr):
		return fmt.Sprintf("Incorrect type. Expected %s.", typeErr.Type)
	default:
		return "Invalid value."
	}
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "latitude":
		return "Latitude must be between -90 and 90."
	case "longitude":
		return "Longitude must be between -180 and 180."
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	case "gte0":
		return "Ensure this value is greater than or equal to 0."
	case "decimal2":
		return "Ensure that there are no more than 2 decimal places."
	default:
		return fmt.Sprintf("Failed on the '%s' rule.", fe.Tag())
	}
}
