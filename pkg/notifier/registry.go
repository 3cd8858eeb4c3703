package notifier

import "fmt"

// Registry holds all configured notifiers, keyed by their admin-assigned
// name (the value stored on hunt.Hunt.NotifierName / cron.Query.NotifierName).
type Registry struct {
	notifiers map[string]Notifier
}

// NewRegistry creates an empty notifier registry.
func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

// Register adds a notifier to the registry, keyed by its Name().
func (r *Registry) Register(n Notifier) {
	r.notifiers[n.Name()] = n
}

// Get returns the notifier with the given name.
func (r *Registry) Get(name string) (Notifier, error) {
	n, ok := r.notifiers[name]
	if !ok {
		return nil, fmt.Errorf("notifier %q not registered", name)
	}
	return n, nil
}

// All returns all registered notifiers.
func (r *Registry) All() []Notifier {
	result := make([]Notifier, 0, len(r.notifiers))
	for _, n := range r.notifiers {
		result = append(result, n)
	}
	return result
}
