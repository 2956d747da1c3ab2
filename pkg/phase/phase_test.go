package phase

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestReactFiresInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var seen []Event
	r.React("x", func(e Event) error { seen = append(seen, e); return nil })
	r.React("x", func(e Event) error { seen = append(seen, e); return nil })

	require.NoError(t, r.FireReactions("x", EventCrystal))
	require.Equal(t, []Event{EventCrystal, EventCrystal}, seen)
}

func TestFireReactionsStopsOnFirstError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	var calls int
	r.React("x", func(Event) error { calls++; return boom })
	r.React("x", func(Event) error { calls++; return nil })

	err := r.FireReactions("x", EventFluid)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls, "second reaction must not run after the first fails")
}

func TestUnreactClearsCallbacks(t *testing.T) {
	r := NewRegistry()
	r.React("x", func(Event) error { return errors.New("should never run") })
	r.Unreact("x")
	require.NoError(t, r.FireReactions("x", EventCrystal))
}

func TestValidateSeedsRejectsFailingSeed(t *testing.T) {
	r := NewRegistry()
	r.Seed("x", func(current interface{}) (bool, error) { return current.(int) > 0, nil })

	require.NoError(t, r.ValidateSeeds("x", 1))
	err := r.ValidateSeeds("x", -1)
	require.Error(t, err)
}

func TestValidateSeedsPropagatesSeedError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("seed exploded")
	r.Seed("x", func(interface{}) (bool, error) { return false, boom })

	err := r.ValidateSeeds("x", 0)
	require.ErrorIs(t, err, boom)
}

func TestUnseedClearsValidators(t *testing.T) {
	r := NewRegistry()
	r.Seed("x", func(interface{}) (bool, error) { return false, nil })
	r.Unseed("x")
	require.NoError(t, r.ValidateSeeds("x", 0))
}

func TestPressurizeAccumulatesRestrictions(t *testing.T) {
	r := NewRegistry()
	r.Pressurize("x", Pressure{NoGrow: true})
	r.Pressurize("x", Pressure{NoShrink: true})

	p, ok := r.PressureFor("x")
	require.True(t, ok)
	require.True(t, p.BlocksGrow())
	require.True(t, p.BlocksShrink())
}

func TestNoResizeBlocksBothDirections(t *testing.T) {
	p := Pressure{NoResize: true}
	require.True(t, p.BlocksGrow())
	require.True(t, p.BlocksShrink())
}

func TestDepressurizeRemovesEntry(t *testing.T) {
	r := NewRegistry()
	r.Pressurize("x", Pressure{NoGrow: true})
	r.Depressurize("x")

	_, ok := r.PressureFor("x")
	require.False(t, ok)
}

func TestRecordHistoryNoopWhenDisabled(t *testing.T) {
	r := NewRegistry()
	r.HistoryEnabled = false
	r.RecordHistory("x", 1)

	_, ok := r.Rewind("x", 0)
	require.False(t, ok, "history must not accumulate when HistoryEnabled is false")
}

func TestRewindWalksBackFromMostRecent(t *testing.T) {
	r := NewRegistry()
	r.HistoryEnabled = true
	r.RecordHistory("x", 1)
	r.RecordHistory("x", 2)
	r.RecordHistory("x", 3)

	current, ok := r.Rewind("x", 0)
	require.True(t, ok)
	require.Equal(t, 3, current)

	one, ok := r.Rewind("x", 1)
	require.True(t, ok)
	require.Equal(t, 2, one)

	_, ok = r.Rewind("x", 99)
	require.False(t, ok, "rewinding past the start of history must fail, not panic")
}

// TestCascadeMirrorTransitivelyVisitsBondedTargets exercises the §4.4.1
// bond-graph walk: a -> b -> c under StrategyMirror, freezing "a" must
// cascade to both "b" and "c" exactly once each.
func TestCascadeMirrorTransitivelyVisitsBondedTargets(t *testing.T) {
	r := NewRegistry()
	r.Bond("b", "a", StrategyMirror)
	r.Bond("c", "b", StrategyMirror)

	var applied []string
	err := r.Cascade("a", func(target string) error {
		applied = append(applied, target)
		return nil
	})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"b", "c"}, applied, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("cascade targets mismatch (-want +got):\n%s", diff)
	}
}

// TestCascadeToleratesCycles guards against infinite recursion when the
// bond graph contains a cycle (spec §4.4.1: "cycles are tolerated via a
// visited set").
func TestCascadeToleratesCycles(t *testing.T) {
	r := NewRegistry()
	r.Bond("a", "b", StrategyMirror)
	r.Bond("b", "a", StrategyMirror)

	var applied []string
	err := r.Cascade("a", func(target string) error {
		applied = append(applied, target)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, applied, 1, "each node in a cycle must be visited exactly once")
}

// TestCascadeIgnoresNonMirrorStrategy confirms strategies other than
// "mirror" are stored but never fire (spec §4.4.2's "other names are
// accepted and stored but never fire").
func TestCascadeIgnoresNonMirrorStrategy(t *testing.T) {
	r := NewRegistry()
	r.Bond("b", "a", Strategy("replicate"))

	var applied []string
	err := r.Cascade("a", func(target string) error {
		applied = append(applied, target)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestUnbondStopsCascade(t *testing.T) {
	r := NewRegistry()
	r.Bond("b", "a", StrategyMirror)
	r.Unbond("b")

	var applied []string
	err := r.Cascade("a", func(target string) error {
		applied = append(applied, target)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, applied)
}
