package participant

import (
	"errors"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrNotFound is returned for an unregistered service name.
	ErrNotFound = errors.New("participant not registered")
	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("participant already registered")
)

// Registry resolves service names to participants. It is safe for
// concurrent use.
type Registry struct {
	sagas     *xsync.MapOf[string, SagaParticipant]
	twoPhases *xsync.MapOf[string, TwoPhaseParticipant]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sagas:     xsync.NewMapOf[string, SagaParticipant](),
		twoPhases: xsync.NewMapOf[string, TwoPhaseParticipant](),
	}
}

// RegisterSaga binds a saga participant to a service name.
func (r *Registry) RegisterSaga(service string, p SagaParticipant) error {
	if service == "" || p == nil {
		return fmt.Errorf("register saga participant %q: empty name or nil participant", service)
	}
	if _, loaded := r.sagas.LoadOrStore(service, p); loaded {
		return fmt.Errorf("saga participant %q: %w", service, ErrAlreadyRegistered)
	}
	return nil
}

// RegisterTwoPhase registers p under p.Name().
func (r *Registry) RegisterTwoPhase(p TwoPhaseParticipant) error {
	if p == nil || p.Name() == "" {
		return errors.New("register two-phase participant: empty name or nil participant")
	}
	if _, loaded := r.twoPhases.LoadOrStore(p.Name(), p); loaded {
		return fmt.Errorf("two-phase participant %q: %w", p.Name(), ErrAlreadyRegistered)
	}
	return nil
}

// Saga looks up a saga participant.
func (r *Registry) Saga(service string) (SagaParticipant, error) {
	p, ok := r.sagas.Load(service)
	if !ok {
		return nil, fmt.Errorf("saga participant %q: %w", service, ErrNotFound)
	}
	return p, nil
}

// TwoPhase looks up a two-phase participant.
func (r *Registry) TwoPhase(name string) (TwoPhaseParticipant, error) {
	p, ok := r.twoPhases.Load(name)
	if !ok {
		return nil, fmt.Errorf("two-phase participant %q: %w", name, ErrNotFound)
	}
	return p, nil
}

// TwoPhaseAll resolves names in order.
func (r *Registry) TwoPhaseAll(names []string) ([]TwoPhaseParticipant, error) {
	out := make([]TwoPhaseParticipant, 0, len(names))
	for _, n := range names {
		p, err := r.TwoPhase(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Unregister removes a service from both tables.
func (r *Registry) Unregister(service string) {
	r.sagas.Delete(service)
	r.twoPhases.Delete(service)
}

// SagaServices returns the registered saga service names, sorted.
func (r *Registry) SagaServices() []string {
	return sortedKeys(r.sagas)
}

// TwoPhaseServices returns the registered two-phase participant names, sorted.
func (r *Registry) TwoPhaseServices() []string {
	return sortedKeys(r.twoPhases)
}

func sortedKeys[V any](m *xsync.MapOf[string, V]) []string {
	names := make([]string, 0, m.Size())
	m.Range(func(k string, _ V) bool {
		names = append(names, k)
		return true
	})
	sort.Strings(names)
	return names
}
