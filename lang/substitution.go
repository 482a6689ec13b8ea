package lang

// ParamSubstitution overrides one parameter for a single call, without
// mutating the shared operator stored in the program. The resource names
// the parameter (node path plus field fragment).
type ParamSubstitution struct {
	Resource Resource
	Value    []byte
}

// Node returns the node the substituted parameter belongs to.
func (s ParamSubstitution) Node() Resource {
	return s.Resource.ParameterNode()
}

// Apply writes the substituted value into a cloned operator.
func (s ParamSubstitution) Apply(op Operator) error {
	return op.SetParameter(s.Resource.Fragment(), s.Value)
}

// ApplyAtomic writes the substituted value into a cloned atomic operator.
func (s ParamSubstitution) ApplyAtomic(op AtomicOperator) error {
	return op.SetParameter(s.Resource.Fragment(), s.Value)
}
