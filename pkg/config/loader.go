// Package config provides layered configuration loading for
// kube-federated-auth. Values are resolved in priority order:
//
//	envDefault struct tags  (lowest priority)
//	YAML config file        (medium priority)
//	Environment variables   (highest priority)
//
// This ordering matches how the service is deployed: defaults are baked
// into the code, a mounted ConfigMap file declares the cluster trust list,
// and env vars override individual scalars.
//
// The loader is driven by three struct tags:
//
//   - `env:"VAR"` maps the field to an environment variable
//   - `envDefault:"value"` sets a default when the field is zero-valued
//   - `required:"true"` fails loading if the field remains zero
//
// Fields also need `yaml` tags for file-based loading.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// durationType caches the reflect.Type of time.Duration. Duration's
// underlying kind is int64, so it needs special handling before the
// integer cases.
var durationType = reflect.TypeOf(time.Duration(0))

// Validator is implemented by config structs that need cross-field
// validation beyond the required tag. Load calls Validate after all
// layers are applied.
type Validator interface {
	Validate() error
}

// Loader resolves configuration into a struct. Create one with [New],
// customize with [Loader.WithEnvPrefix] and [Loader.WithFile], then call
// [Loader.Load].
//
// Loader is not safe for concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
}

// New creates a Loader with no file and no env prefix.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix sets a prefix joined with "_" to every env tag. The prefix
// is uppercased; an empty prefix disables prefixing. Returns the Loader
// for chaining.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets the path of an optional YAML configuration file. A missing
// file is not an error; an unreadable or unparsable one is. Returns the
// Loader for chaining.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, applying
// defaults, then the YAML file, then environment variables. After loading,
// fields tagged `required:"true"` must be non-zero, and if cfg implements
// [Validator] its Validate method is called.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return kferr.Internal("config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return kferr.Internal("config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad creates a zero T, loads configuration into it, and panics on
// failure. For use in main, where an invalid configuration should prevent
// startup.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

// loadFile unmarshals the YAML file into cfg. A missing file is silently
// skipped so that env-only deployments need no mounted file.
func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return kferr.Internal("config: file path must not contain directory traversal sequences")
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kferr.Wrapf(err, kferr.KindInternal, "config: reading %q", l.filePath)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return kferr.Wrapf(err, kferr.KindInternal, "config: parsing %q", l.filePath)
	}
	return nil
}

// applyDefaults walks the struct and sets zero-valued fields from their
// envDefault tags, recursing into nested structs.
func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return kferr.Wrapf(err, kferr.KindInternal, "config: default for field %q", sf.Name)
		}
	}
	return nil
}

// applyEnv walks the struct and sets fields from environment variables. A
// nested struct's env tag becomes a prefix for its children, joined with
// "_" after the loader's global prefix.
func applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")
		if field.Kind() == reflect.Struct && sf.Type != durationType {
			nested := prefix
			if envTag != "" {
				if nested != "" {
					nested = nested + "_" + envTag
				} else {
					nested = envTag
				}
			}
			if err := applyEnv(field, nested); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}
		key := envTag
		if prefix != "" {
			key = prefix + "_" + envTag
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return kferr.Wrapf(err, kferr.KindInternal, "config: field %q from env var %q", sf.Name, key)
		}
	}
	return nil
}

// validate enforces required tags, then delegates to the struct's own
// Validate method when implemented.
func validate(cfg any, rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if sf.Tag.Get("required") != "true" {
			continue
		}
		if rv.Field(i).IsZero() {
			return kferr.Internalf("config: required field %q is not set", sf.Name)
		}
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// setField parses a string value into the field according to its type.
// Supported: string (including named string types such as [Secret]), bool,
// the signed integer kinds, time.Duration, and []string (comma-separated).
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
