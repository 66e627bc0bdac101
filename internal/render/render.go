package render

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nimasrn/followup-gateway/internal/model"
)

var (
	ErrMissingVariable    = errors.New("missing required variable")
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
)

type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required variable %q", e.Name)
}

func (e *MissingVariableError) Is(target error) bool { return target == ErrMissingVariable }

type UnknownPlaceholderError struct {
	Name    string
	Trigger model.TriggerEvent
}

func (e *UnknownPlaceholderError) Error() string {
	return fmt.Sprintf("placeholder %q is not available for trigger %s", e.Name, e.Trigger)
}

func (e *UnknownPlaceholderError) Is(target error) bool { return target == ErrUnknownPlaceholder }

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Placeholders returns the distinct placeholder names in body, in order of appearance.
func Placeholders(body string) []string {
	matches := placeholderRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// Render substitutes vars into body. Required variables of the trigger that
// the body references must be present and non-blank. Anything unresolved
// becomes an empty string.
func Render(body string, trigger model.TriggerEvent, vars map[string]string) (string, error) {
	set, _ := VariablesFor(trigger)
	for _, name := range Placeholders(body) {
		v, ok := set.Lookup(name)
		if !ok || !v.Required {
			continue
		}
		if strings.TrimSpace(vars[name]) == "" {
			return "", &MissingVariableError{Name: name}
		}
	}

	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return vars[name]
	}), nil
}

// Validate rejects placeholders outside the trigger's variable set.
func Validate(body string, trigger model.TriggerEvent) error {
	set, ok := VariablesFor(trigger)
	if !ok {
		return model.ErrUnknownTrigger
	}
	for _, name := range Placeholders(body) {
		if _, ok := set.Lookup(name); !ok {
			return &UnknownPlaceholderError{Name: name, Trigger: trigger}
		}
	}
	return nil
}

// ValidateTemplate runs the structural and placeholder checks used at save time.
func ValidateTemplate(t *model.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return Validate(t.Body, t.Trigger)
}
