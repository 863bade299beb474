package arprox

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// applyDefaults walks obj's exported fields and fills any zero-valued field
// whose struct tag carries `default:"..."`, generalizing a setDefaultValues
// helper to also understand time.Duration, bool and float64 fields. Config
// is the struct it is applied to; CheckerConfig, ServerConfig and the other
// tagged configs get their defaults from their constructors instead.
func applyDefaults(obj interface{}) {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		vf := vof.Field(i)
		if !vf.CanSet() {
			continue
		}
		tag := tof.Field(i).Tag.Get("default")
		if tag == "" || !vf.IsZero() {
			continue
		}

		if vf.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(tag); err == nil {
				vf.SetInt(int64(d))
			}
			continue
		}

		switch vf.Kind() {
		case reflect.String:
			vf.SetString(tag)
		case reflect.Bool:
			if b, err := strconv.ParseBool(tag); err == nil {
				vf.SetBool(b)
			}
		case reflect.Int, reflect.Int64:
			if n, err := strconv.ParseInt(tag, 10, 64); err == nil {
				vf.SetInt(n)
			}
		case reflect.Float64:
			if f, err := strconv.ParseFloat(tag, 64); err == nil {
				vf.SetFloat(f)
			}
		case reflect.Slice:
			if vf.Type().Elem().Kind() == reflect.String {
				vf.Set(reflect.ValueOf(strings.Split(tag, ",")))
			}
		}
	}
}

// validateRequired checks every field tagged `validate:"required"` is
// non-zero, returning ErrConfiguration naming the first missing one. A
// library has no business calling os.Exit on a missing field, so this
// returns an error for the caller (typically cmd/arproxd's main) to report
// and exit on.
func validateRequired(obj interface{}) error {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		tf := tof.Field(i)
		vf := vof.Field(i)

		if strings.Contains(tf.Tag.Get("validate"), "required") && vf.IsZero() {
			return fmt.Errorf("%w: field %q is required", ErrConfiguration, tf.Name)
		}
	}
	return nil
}
