package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/depotwatch/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one schema violation in a publish event.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in one event.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return "invalid publish event: " + e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid publish event: %d errors", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidEvent
}

// ValidateRaw checks a YAML or JSON event document against the embedded
// publish-event schema.
func ValidateRaw(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidEvent)
	}
	return validateNode(doc.Content[0])
}

func validateNode(root *yaml.Node) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(jsonValue(root))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	diags, err := v.ValidateJSON(payload)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.PublishEventSchema) == 0 {
			validatorErr = fmt.Errorf("embedded publish-event schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.PublishEventSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile publish-event schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// jsonValue converts a YAML node into values encoding/json accepts. Mapping
// keys are always strings so numeric depot ids survive.
func jsonValue(n *yaml.Node) any {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	switch n.Kind {
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			m[n.Content[i].Value] = jsonValue(n.Content[i+1])
		}
		return m
	case yaml.SequenceNode:
		s := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			s = append(s, jsonValue(c))
		}
		return s
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return n.Value
		}
		return v
	}
	return nil
}
