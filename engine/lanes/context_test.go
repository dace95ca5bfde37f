package lanes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engmodels "github.com/ember-engine/ember/engine/models"
)

type camera struct{ fov float32 }
type world struct{ entities int }

func TestContextPutGet(t *testing.T) {
	c := NewContext()
	Put(c, camera{fov: 60})

	got, err := Get[camera](c)
	require.NoError(t, err)
	assert.Equal(t, float32(60), got.fov)
}

func TestContextAtMostOneEntryPerType(t *testing.T) {
	c := NewContext()
	Put(c, camera{fov: 60})
	Put(c, camera{fov: 90})
	Put(c, world{entities: 3})

	assert.Equal(t, 2, c.Len())
	got, err := Get[camera](c)
	require.NoError(t, err)
	assert.Equal(t, float32(90), got.fov, "second Put must replace the first")
}

func TestContextMissingEntry(t *testing.T) {
	c := NewContext()
	_, err := Get[world](c)
	var ice *InvalidContextError
	require.ErrorAs(t, err, &ice)
	assert.Nil(t, ice.Received)
}

func TestContextPointerEntries(t *testing.T) {
	c := NewContext()
	w := &world{entities: 1}
	Put(c, w)

	got, err := Get[*world](c)
	require.NoError(t, err)
	got.entities = 7
	assert.Equal(t, 7, w.entities, "pointer entries share the underlying value")
}

func TestSlotCarriesMutableBorrow(t *testing.T) {
	value := 41
	s := NewSlot(&value)
	*s.Get()++
	assert.Equal(t, 42, value)
}

func TestSlotZeroValuePanics(t *testing.T) {
	var s Slot[int]
	assert.Panics(t, func() { s.Get() })
}

func TestRefCarriesSharedBorrow(t *testing.T) {
	value := "encoder"
	r := NewRef(&value)
	assert.Equal(t, "encoder", r.Get())
}

func TestRefZeroValuePanics(t *testing.T) {
	var r Ref[string]
	assert.Panics(t, func() { r.Get() })
}

func TestSlotThroughContext(t *testing.T) {
	c := NewContext()
	counter := 0
	Put(c, NewSlot(&counter))

	slot, err := Get[Slot[int]](c)
	require.NoError(t, err)
	*slot.Get() = 5
	assert.Equal(t, 5, counter)
}

// nameLane is a minimal Lane for registry tests.
type nameLane struct {
	name string
	kind engmodels.LaneKind
}

func (l *nameLane) StrategyName() string            { return l.name }
func (l *nameLane) LaneKind() engmodels.LaneKind    { return l.kind }
func (l *nameLane) EstimateCost(c *Context) float32 { return 1 }
func (l *nameLane) OnInitialize(c *Context) error   { return nil }
func (l *nameLane) Execute(c *Context) error        { return nil }
func (l *nameLane) OnShutdown(c *Context) error     { return nil }

func TestRegistryLookupAndFilter(t *testing.T) {
	r := NewRegistry()
	r.Register(&nameLane{name: "shadow-pass", kind: engmodels.LaneShadow})
	r.Register(&nameLane{name: "unlit", kind: engmodels.LaneRender})
	r.Register(&nameLane{name: "lit-forward", kind: engmodels.LaneRender})

	l, ok := r.Lookup("unlit")
	require.True(t, ok)
	assert.Equal(t, "unlit", l.StrategyName())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	renders := r.FilterByKind(engmodels.LaneRender)
	require.Len(t, renders, 2)
	assert.Equal(t, "unlit", renders[0].StrategyName())
	assert.Equal(t, "lit-forward", renders[1].StrategyName())
	assert.Len(t, r.All(), 3)
}

func TestRegistryLastRegistrationWinsLookup(t *testing.T) {
	r := NewRegistry()
	first := &nameLane{name: "unlit", kind: engmodels.LaneRender}
	second := &nameLane{name: "unlit", kind: engmodels.LaneRender}
	r.Register(first)
	r.Register(second)

	l, ok := r.Lookup("unlit")
	require.True(t, ok)
	assert.Same(t, second, l.(*nameLane))
	assert.Len(t, r.All(), 2)
}

func TestLoaderLaneDrainsMatchingContentType(t *testing.T) {
	lane := NewLoaderLane("mesh")
	q := &LoadQueue{Pending: []LoadRequest{
		{ContentType: "mesh", Path: "a.gltf"},
		{ContentType: "texture", Path: "b.png"},
		{ContentType: "mesh", Path: "c.gltf"},
	}}
	c := NewContext()
	Put(c, q)

	require.NoError(t, lane.Execute(c))
	assert.Equal(t, 2, lane.Loaded())
	require.Len(t, q.Pending, 1)
	assert.Equal(t, "texture", q.Pending[0].ContentType)
}

func TestCompactionLaneHonorsBudget(t *testing.T) {
	lane := NewCompactionLane()
	ps := &PageStore{}
	for i := 0; i < 10; i++ {
		ps.Pages = append(ps.Pages, Page{ID: i, Orphaned: true})
	}
	c := NewContext()
	Put(c, ps)
	Put(c, 4) // slots per tick

	require.NoError(t, lane.Execute(c))
	assert.Equal(t, 4, lane.LastReclaimed())
	assert.Len(t, ps.Pages, 6)
}

func TestLaneErrorsUnwrap(t *testing.T) {
	cause := errors.New("device lost")
	assert.ErrorIs(t, &ExecutionFailedError{Cause: cause}, cause)
	assert.ErrorIs(t, &InitializationFailedError{Cause: cause}, cause)
}
