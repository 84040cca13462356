package collab

import (
	"fmt"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testElement(id string, version int64, versionNonce int64) *Element {
	return &Element{
		Id:           id,
		Version:      version,
		VersionNonce: versionNonce,
		Data:         []byte(fmt.Sprintf("%q", id)),
	}
}

func randomElementSet(ids []string) []*Element {
	elements := []*Element{}
	for _, id := range ids {
		if mathrand.Intn(4) == 0 {
			// absent on this side
			continue
		}
		elements = append(elements, testElement(id, 1+mathrand.Int63n(5), 1+mathrand.Int63n(1000)))
	}
	return elements
}

func TestReconcileLaws(t *testing.T) {
	ids := []string{}
	for i := 0; i < 24; i += 1 {
		ids = append(ids, fmt.Sprintf("e%03d", i))
	}

	for trial := 0; trial < 100; trial += 1 {
		a := randomElementSet(ids)
		b := randomElementSet(ids)
		c := randomElementSet(ids)

		// commutative
		assert.Equal(t, Reconcile(a, b), Reconcile(b, a))
		// associative
		assert.Equal(t, Reconcile(Reconcile(a, b), c), Reconcile(a, Reconcile(b, c)))
		// idempotent
		assert.Equal(t, Reconcile(a, a), Reconcile(a, nil))
	}
}

func TestReconcileHigherVersionWins(t *testing.T) {
	older := testElement("e1", 1, 500)
	newer := testElement("e1", 2, 100)

	merged := Reconcile([]*Element{older}, []*Element{newer})
	assert.Equal(t, 1, len(merged))
	assert.Equal(t, int64(2), merged[0].Version)

	// same version, nonce breaks the tie
	lowNonce := testElement("e2", 3, 10)
	highNonce := testElement("e2", 3, 20)
	merged = Reconcile([]*Element{highNonce}, []*Element{lowNonce})
	assert.Equal(t, int64(20), merged[0].VersionNonce)
}

func TestReconcileCarriesUniqueIds(t *testing.T) {
	a := []*Element{testElement("only-a", 1, 1)}
	b := []*Element{testElement("only-b", 1, 1)}

	merged := Reconcile(a, b)
	assert.Equal(t, 2, len(merged))
	assert.Equal(t, "only-a", merged[0].Id)
	assert.Equal(t, "only-b", merged[1].Id)
}

func TestReconcileTombstoneNoResurrection(t *testing.T) {
	live := testElement("e1", 1, 1)
	tombstone := DeleteElement(live, time.Now())

	// the late-arriving live copy must not resurrect the deletion
	merged := Reconcile([]*Element{tombstone}, []*Element{live})
	assert.Equal(t, 1, len(merged))
	assert.Equal(t, true, merged[0].Deleted)

	// tombstones are merge-visible but not renderable
	assert.Equal(t, 0, len(RenderableElements(merged)))
}

func TestPruneTombstones(t *testing.T) {
	now := time.Now()
	live := testElement("e1", 1, 1)
	fresh := DeleteElement(testElement("e2", 1, 1), now.Add(-1*time.Hour))
	expired := DeleteElement(testElement("e3", 1, 1), now.Add(-25*time.Hour))

	elements := []*Element{live, fresh, expired}
	pruned := PruneTombstones(elements, DefaultTombstoneTtl, now)
	assert.Equal(t, 2, len(pruned))
	assert.Equal(t, "e1", pruned[0].Id)
	assert.Equal(t, "e2", pruned[1].Id)
}

func TestSceneVersionMonotonic(t *testing.T) {
	a := testElement("e1", 1, 1)
	b := testElement("e2", 3, 1)
	elements := []*Element{a, b}
	version := SceneVersion(elements)
	assert.Equal(t, int64(4), version)

	// any single element mutation changes the summary
	mutated := MutateElement(a, []byte(`"x"`))
	assert.Equal(t, true, version < SceneVersion([]*Element{mutated, b}))

	// merging never lowers it
	merged := Reconcile(elements, []*Element{mutated})
	assert.Equal(t, true, version < SceneVersion(merged))
}

func TestMutateElementBumpsVersionAndNonce(t *testing.T) {
	element := NewElement("e1", []byte(`"a"`))
	assert.Equal(t, int64(1), element.Version)
	assert.NotEqual(t, int64(0), element.VersionNonce)

	mutated := MutateElement(element, []byte(`"b"`))
	assert.Equal(t, int64(2), mutated.Version)
	assert.NotEqual(t, element.VersionNonce, mutated.VersionNonce)
	// input untouched
	assert.Equal(t, int64(1), element.Version)
}

// the concrete two-client merge scenario: client 2 edits e1 while client 1
// creates e2, both converge to {e1@2, e2@1} in either arrival order.
func TestConcurrentEditConvergence(t *testing.T) {
	e1v1 := testElement("e1", 1, 1)

	client1 := []*Element{e1v1}
	client2 := Reconcile(nil, []*Element{e1v1})

	e1v2 := MutateElement(e1v1, []byte(`"edited"`))
	client2 = Reconcile(client2, []*Element{e1v2})

	e2v1 := testElement("e2", 1, 1)
	client1 = Reconcile(client1, []*Element{e2v1})

	// deliver in opposite orders
	client1 = Reconcile(client1, []*Element{e1v2})
	client2 = Reconcile(client2, []*Element{e2v1})

	assert.Equal(t, client1, client2)
	assert.Equal(t, 2, len(client1))
	assert.Equal(t, int64(2), client1[0].Version)
	assert.Equal(t, int64(1), client1[1].Version)
}
