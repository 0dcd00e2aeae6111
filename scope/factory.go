package scope

import "github.com/google/uuid"

// Factory creates root and child scopes from a root resolver.
type Factory struct {
	root Resolver
}

// NewFactory returns a factory whose root scopes draw child resolvers from
// root. A nil root yields scopes without a resolver.
func NewFactory(root Resolver) *Factory {
	return &Factory{root: root}
}

// CreateScope returns a new root scope when parent is nil. Otherwise it
// returns a child that copies the parent's id and session id so work fanned
// out from the parent stays attributed to the same session without being
// registered separately.
func (f *Factory) CreateScope(parent *Scope) *Scope {
	if parent == nil {
		s := &Scope{id: uuid.NewString()}
		if f.root != nil {
			s.resolver = f.root.CreateChildScope()
		}
		return s
	}

	child := &Scope{id: parent.id}
	if pr := parent.Resolver(); pr != nil {
		child.resolver = pr.CreateChildScope()
	} else if f.root != nil {
		child.resolver = f.root.CreateChildScope()
	}
	if sid, ok := parent.SessionID(); ok {
		child.sessionID = sid
		child.hasSession = true
	}
	return child
}
