package registry

import (
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// Subscribes reports whether sub listens to eventType, by exact type or by
// the type's category prefix.
func Subscribes(sub *model.Subscription, eventType string) bool {
	if slices.Contains(sub.Events.Subscribed, eventType) {
		return true
	}
	category := model.Event{Type: eventType}.Category()
	return slices.Contains(sub.Events.Categories, category)
}

// programCache holds compiled patterns and conditions keyed by source text.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
}

func newProgramCache() *programCache {
	return &programCache{
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

func (c *programCache) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

func (c *programCache) pattern(p string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.patterns[p]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	c.mu.Lock()
	c.patterns[p] = re
	c.mu.Unlock()
	return re, nil
}

// accepts applies the include/exclude patterns and conditions of sub's event
// filter to event.
func (c *programCache) accepts(sub *model.Subscription, event model.Event) (bool, error) {
	f := sub.Events

	if len(f.IncludePatterns) > 0 {
		matched := false
		for _, p := range f.IncludePatterns {
			re, err := c.pattern(p)
			if err != nil {
				return false, err
			}
			if re.MatchString(event.Type) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	for _, p := range f.ExcludePatterns {
		re, err := c.pattern(p)
		if err != nil {
			return false, err
		}
		if re.MatchString(event.Type) {
			return false, nil
		}
	}

	if len(f.Conditions) == 0 {
		return true, nil
	}
	env := map[string]any{
		"type":            event.Type,
		"category":        event.Category(),
		"tenant_id":       event.TenantID,
		"organization_id": event.OrganizationID,
		"data":            event.Data,
	}
	for _, cond := range f.Conditions {
		prog, err := c.compile(cond)
		if err != nil {
			return false, err
		}
		result, err := expr.Run(prog, env)
		if err != nil {
			return false, fmt.Errorf("evaluate condition: %w", err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return false, fmt.Errorf("condition did not return bool")
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
