package pipeline

import "context"

// fakeModel is a minimal in-package Model double used by this package's
// own unit tests, kept separate from pipeline/backend/manifest's
// deterministic reference backend because that one lives behind a
// registry and pulls in YAML parsing this package has no business
// depending on.
type fakeModel struct {
	name         string
	entryPoints  map[string][]TensorSpec // entry point name -> inputs
	outputs      map[string][]TensorSpec // entry point name -> outputs
	active       string
	loaded       bool
	predictCalls int
	predictErr   error
}

func newFakeModel(name string) *fakeModel {
	return &fakeModel{name: name, entryPoints: map[string][]TensorSpec{}, outputs: map[string][]TensorSpec{}}
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Inputs() []TensorSpec {
	if len(m.entryPoints) == 0 {
		return nil
	}
	return m.entryPoints[m.activeOrDefault()]
}

func (m *fakeModel) Outputs() []TensorSpec {
	if len(m.outputs) == 0 {
		return nil
	}
	return m.outputs[m.activeOrDefault()]
}

func (m *fakeModel) activeOrDefault() string {
	if m.active != "" {
		return m.active
	}
	for k := range m.entryPoints {
		return k
	}
	return ""
}

func (m *fakeModel) Load(ctx context.Context) error { m.loaded = true; return nil }
func (m *fakeModel) Unload() error                   { m.loaded = false; return nil }

func (m *fakeModel) Predict(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	m.predictCalls++
	if m.predictErr != nil {
		return nil, m.predictErr
	}
	return map[string]*Tensor{}, nil
}

// fakeMultiFunctionModel adds the two-entry-point seam on top of fakeModel.
type fakeMultiFunctionModel struct {
	*fakeModel
}

func newFakeMultiFunctionModel(name string) *fakeMultiFunctionModel {
	return &fakeMultiFunctionModel{fakeModel: newFakeModel(name)}
}

func (m *fakeMultiFunctionModel) EntryPoints() []string {
	names := make([]string, 0, len(m.entryPoints))
	for k := range m.entryPoints {
		names = append(names, k)
	}
	return names
}

func (m *fakeMultiFunctionModel) SelectEntryPoint(name string) error {
	if _, ok := m.entryPoints[name]; !ok {
		return &ShapeInconsistentError{Reason: "no such entry point: " + name}
	}
	m.active = name
	return nil
}

func (m *fakeMultiFunctionModel) ActiveEntryPoint() string { return m.active }
