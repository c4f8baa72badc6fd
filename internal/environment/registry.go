// Package environment resolves named deployment targets to MongoDB connection strings.
//
// Environments are discovered once at startup from variables named
// <PREFIX>_<NAME>_<SUFFIX>, for example MONGO_DEV_URI. Names are matched
// case-insensitively and keep their original spelling for display.
package environment

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/logging"
)

const (
	// DefaultPrefix is the leading segment of environment variables
	DefaultPrefix = "MONGO"
	// DefaultSuffix is the trailing segment of environment variables
	DefaultSuffix = "URI"

	plainScheme = "mongodb://"
	srvScheme   = "mongodb+srv://"
)

// Environment is a named MongoDB deployment
type Environment struct {
	Name     string // as written in the variable
	Key      string // upper-cased lookup key
	URI      string
	Variable string
}

// MaskedURI returns the connection string with its password hidden
func (e Environment) MaskedURI() string {
	return logging.MaskURI(e.URI)
}

// Registry is the immutable set of environments loaded at startup
type Registry struct {
	byKey  map[string]Environment
	prefix string
	suffix string
}

// Load builds a registry from KEY=VALUE pairs such as os.Environ().
// Duplicate names (after upper-casing) and empty or malformed URIs are rejected.
func Load(environ []string, prefix, suffix string) (*Registry, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	head := prefix + "_"
	tail := "_" + suffix

	reg := &Registry{byKey: make(map[string]Environment), prefix: prefix, suffix: suffix}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, head) || !strings.HasSuffix(key, tail) {
			continue
		}
		if len(key) <= len(head)+len(tail) {
			continue
		}
		name := key[len(head) : len(key)-len(tail)]
		if strings.TrimSpace(name) == "" {
			continue
		}

		env := Environment{
			Name:     name,
			Key:      strings.ToUpper(name),
			URI:      strings.TrimSpace(value),
			Variable: key,
		}

		if prev, dup := reg.byKey[env.Key]; dup {
			return nil, apperrors.NewConfigurationError(
				fmt.Sprintf("environment %q is defined by both %s and %s", env.Key, prev.Variable, key), nil).
				WithUserMessage(fmt.Sprintf("Environment names are case-insensitive: %s and %s both define %q. Remove one of them.", prev.Variable, key, env.Key))
		}
		if err := validateURI(env); err != nil {
			return nil, err
		}
		reg.byKey[env.Key] = env
	}

	return reg, nil
}

// New builds a registry from explicit environments. Intended for tests and tooling.
func New(envs ...Environment) (*Registry, error) {
	environ := make([]string, 0, len(envs))
	for _, e := range envs {
		environ = append(environ, fmt.Sprintf("%s_%s_%s=%s", DefaultPrefix, e.Name, DefaultSuffix, e.URI))
	}
	return Load(environ, DefaultPrefix, DefaultSuffix)
}

func validateURI(env Environment) error {
	if env.URI == "" {
		return apperrors.NewConfigurationError(fmt.Sprintf("%s is empty", env.Variable), nil).
			WithUserMessage(fmt.Sprintf("%s is set but empty. Provide a MongoDB connection string.", env.Variable))
	}
	// SRV records are resolved by the tools at run time; check everything else offline.
	candidate := env.URI
	if rest, ok := strings.CutPrefix(candidate, srvScheme); ok {
		candidate = plainScheme + rest
	}
	if _, err := connstring.ParseAndValidate(candidate); err != nil {
		detail := logging.SanitizeURI(err.Error())
		if u, perr := url.Parse(env.URI); perr == nil && u.User != nil {
			if pw, has := u.User.Password(); has && pw != "" {
				detail = strings.ReplaceAll(detail, pw, "***")
			}
		}
		return apperrors.NewConfigurationError(fmt.Sprintf("%s is not a valid connection string", env.Variable), nil).
			WithUserMessage(fmt.Sprintf("%s is not a valid MongoDB connection string: %s", env.Variable, detail))
	}
	return nil
}

// Resolve looks up an environment by name, ignoring case
func (r *Registry) Resolve(name string) (Environment, error) {
	env, ok := r.byKey[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Environment{}, apperrors.NewUnknownEnvironmentError(name, r.Names())
	}
	return env, nil
}

// List returns all environments sorted by key
func (r *Registry) List() []Environment {
	out := make([]Environment, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Names returns the sorted display names
func (r *Registry) Names() []string {
	envs := r.List()
	names := make([]string, len(envs))
	for i, e := range envs {
		names[i] = e.Name
	}
	return names
}

// Len returns the number of registered environments
func (r *Registry) Len() int {
	return len(r.byKey)
}

// RequireAny fails with a configuration error when nothing is registered
func (r *Registry) RequireAny() error {
	if r.Len() > 0 {
		return nil
	}
	return apperrors.NewConfigurationError("no MongoDB environments configured", nil).
		WithUserMessage(fmt.Sprintf("No environments found. Define at least one %s_<NAME>_%s variable, for example %s_DEV_%s=mongodb://localhost:27017.",
			r.prefix, r.suffix, r.prefix, r.suffix))
}
