package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"zbackup/internal/backup"
	"zbackup/internal/policy"
)

// validate is the singleton validator instance
var validate = validator.New()

// ValidationError is a config that cannot be used.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs validation that cannot be expressed in tags.
func validateCustomRules(cfg *Config) error {
	if strings.ContainsAny(cfg.BookmarkPrefix, " \t:") {
		return &ValidationError{Field: "bookmark_prefix", Reason: "must not contain whitespace or ':'"}
	}

	intervals, err := cfg.BuildIntervals()
	if err != nil {
		return err
	}

	names := make(map[string]bool)
	for i, target := range cfg.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if names[target.Name] {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate target name %q", target.Name)}
		}
		names[target.Name] = true

		if _, err := resolveIntervals(intervals, target.Intervals); err != nil {
			return &ValidationError{Field: field + ".intervals", Reason: err.Error()}
		}
		if target.Source == "" && (target.Create || target.Snapshot != "" || target.Incremental != "") {
			return &ValidationError{Field: field, Reason: "create, snapshot and incremental require a source"}
		}
	}

	vaults := make(map[string]bool)
	for i, v := range cfg.Vaults {
		if vaults[v.Name] {
			return &ValidationError{Field: fmt.Sprintf("vaults[%d]", i), Reason: fmt.Sprintf("duplicate vault name %q", v.Name)}
		}
		vaults[v.Name] = true
	}

	if _, err := policy.NewAuthorizer(cfg.RestrictionPolicy()); err != nil {
		return &ValidationError{Field: "restrict", Reason: err.Error()}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return &ValidationError{
			Field:  e.Namespace(),
			Reason: fmt.Sprintf("validation failed on '%s' tag (value: %v)", e.Tag(), e.Value()),
		}
	}
	return err
}

// BuildIntervals returns the global intervals by name.
func (c *Config) BuildIntervals() (map[string]backup.Interval, error) {
	intervals := make(map[string]backup.Interval, len(c.Intervals))
	for i, ic := range c.Intervals {
		field := fmt.Sprintf("intervals[%d]", i)
		if _, ok := intervals[ic.Name]; ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate interval name %q", ic.Name)}
		}
		limit := backup.Unlimited
		if ic.Limit != nil {
			limit = *ic.Limit
		}
		interval, err := backup.NewInterval(ic.Name, limit, ic.Format)
		if err != nil {
			return nil, &ValidationError{Field: field, Reason: err.Error()}
		}
		intervals[ic.Name] = interval
	}
	return intervals, nil
}

// TargetIntervals returns the intervals that apply to target, in the order
// they are configured.
func (c *Config) TargetIntervals(target *TargetConfig) ([]backup.Interval, error) {
	intervals, err := c.BuildIntervals()
	if err != nil {
		return nil, err
	}
	if len(target.Intervals) == 0 {
		all := make([]backup.Interval, 0, len(c.Intervals))
		for _, ic := range c.Intervals {
			all = append(all, intervals[ic.Name])
		}
		return all, nil
	}
	return resolveIntervals(intervals, target.Intervals)
}

func resolveIntervals(global map[string]backup.Interval, refs []string) ([]backup.Interval, error) {
	seen := make(map[string]bool)
	resolved := make([]backup.Interval, 0, len(refs))
	for _, ref := range refs {
		var interval backup.Interval
		if strings.Contains(ref, ":") {
			parsed, err := backup.ParseInterval(ref)
			if err != nil {
				return nil, err
			}
			interval = parsed
		} else {
			found, ok := global[ref]
			if !ok {
				return nil, fmt.Errorf("unknown interval %q", ref)
			}
			interval = found
		}
		if seen[interval.Name] {
			return nil, fmt.Errorf("interval %q listed twice", interval.Name)
		}
		seen[interval.Name] = true
		resolved = append(resolved, interval)
	}
	return resolved, nil
}

// RestrictionPolicy returns the policy applied by ssh-command.
func (c *Config) RestrictionPolicy() policy.RestrictionPolicy {
	return policy.RestrictionPolicy{
		Names:             c.Restrict.Names,
		Bookmarks:         c.Restrict.Bookmarks,
		RawOnly:           c.Restrict.RawOnly,
		AllowReceive:      c.Restrict.AllowReceive,
		AllowForceReceive: c.Restrict.AllowForceReceive,
	}
}
