package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
)

// refPattern matches ${secret:name}.
var refPattern = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

// Resolver resolves secret references against a chain of providers.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver trying providers in order.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    slog.Default().With("component", "secrets"),
	}
}

// GetSecret returns the value of name from the first provider that has it.
func (r *Resolver) GetSecret(ctx context.Context, name string) (string, error) {
	for _, p := range r.providers {
		value, err := p.GetSecret(ctx, name)
		if err == nil {
			r.logger.Debug("secret resolved", "name", redactName(name), "provider", p.Name())
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("secret %q from %s: %w", name, p.Name(), err)
		}
	}
	return "", fmt.Errorf("%w: %q (tried %d providers)", ErrNotFound, name, len(r.providers))
}

// Resolve replaces every ${secret:name} in s. Strings without references
// are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, s string) (string, error) {
	var errs []error
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := refPattern.FindStringSubmatch(ref)[1]
		value, err := r.GetSecret(ctx, name)
		if err != nil {
			errs = append(errs, err)
			return ref
		}
		return value
	})
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}

// ResolveAll resolves each string in place.
func (r *Resolver) ResolveAll(ctx context.Context, fields ...*string) error {
	var errs []error
	for _, f := range fields {
		if f == nil || !refPattern.MatchString(*f) {
			continue
		}
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f = v
	}
	return errors.Join(errs...)
}

// redactName keeps the first and last two characters of a name.
func redactName(name string) string {
	if len(name) <= 4 {
		return "***"
	}
	return name[:2] + "..." + name[len(name)-2:]
}
