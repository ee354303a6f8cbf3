package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSettings map[string]Settings

func (s staticSettings) Settings(sessionID string) (Settings, bool) {
	v, ok := s[sessionID]
	return v, ok
}

func withPolicy(p ConflictPolicy) Settings {
	s := DefaultSettings()
	s.ConflictResolution = p
	return s
}

func twoWayConflict() EditConflict {
	return EditConflict{
		ID:        "c1",
		SessionID: "s1",
		Position:  Position{Row: 0, Col: 0},
		ConflictingChanges: []GridChange{
			change("alice", 0, 0, "X", 0, 1),
			change("bob", 0, 0, "Y", 100*time.Millisecond, 2),
		},
		Timestamp: detectorEpoch,
	}
}

func TestResolveLastWriteWins(t *testing.T) {
	r := NewResolver(staticSettings{"s1": withPolicy(PolicyLastWriteWins)}, WithResolverClock(func() time.Time { return detectorEpoch }))

	res, err := r.Resolve("s1", twoWayConflict())
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ConflictID)
	assert.Equal(t, ResolutionAcceptLocal, res.Resolution)
	assert.Equal(t, "Y", res.ResolvedValue)
	assert.Equal(t, "bob", res.ResolvedBy)
	assert.Equal(t, detectorEpoch, res.Timestamp)
}

func TestResolveLastWriteWinsUsesServerOrder(t *testing.T) {
	r := NewResolver(staticSettings{})
	c := twoWayConflict()
	c.ConflictingChanges[0], c.ConflictingChanges[1] = c.ConflictingChanges[1], c.ConflictingChanges[0]

	res, err := r.Resolve("s1", c)
	require.NoError(t, err)
	assert.Equal(t, "Y", res.ResolvedValue)
}

func TestResolveTieBrokenBySequence(t *testing.T) {
	r := NewResolver(staticSettings{})
	c := twoWayConflict()
	c.ConflictingChanges[1].Timestamp = c.ConflictingChanges[0].Timestamp

	res, err := r.Resolve("s1", c)
	require.NoError(t, err)
	assert.Equal(t, "Y", res.ResolvedValue)
}

func TestResolveMerge(t *testing.T) {
	joined := MergeFunc(func(c EditConflict) any {
		out := ""
		for _, ch := range c.ConflictingChanges {
			out += ch.NewValue.(string)
		}
		return out
	})
	r := NewResolver(staticSettings{"s1": withPolicy(PolicyMerge)}, WithMerger(joined))

	res, err := r.Resolve("s1", twoWayConflict())
	require.NoError(t, err)
	assert.Equal(t, ResolutionMerge, res.Resolution)
	assert.Equal(t, "XY", res.ResolvedValue)
	assert.Empty(t, res.ResolvedBy)
}

func TestResolveMergeDefaultsToLastValue(t *testing.T) {
	r := NewResolver(staticSettings{"s1": withPolicy(PolicyMerge)}, WithMerger(nil))

	res, err := r.Resolve("s1", twoWayConflict())
	require.NoError(t, err)
	assert.Equal(t, "Y", res.ResolvedValue)
}

func TestResolveManualIsUnresolvable(t *testing.T) {
	r := NewResolver(staticSettings{"s1": withPolicy(PolicyManual)})

	res, err := r.Resolve("s1", twoWayConflict())
	assert.ErrorIs(t, err, ErrConflictUnresolvable)
	assert.Equal(t, ResolutionManual, res.Resolution)
	assert.Nil(t, res.ResolvedValue)

	manual := r.ResolveManual(twoWayConflict(), "Z", "carol")
	assert.Equal(t, ResolutionManual, manual.Resolution)
	assert.Equal(t, "Z", manual.ResolvedValue)
	assert.Equal(t, "carol", manual.ResolvedBy)
}

func TestResolveUnknownSessionFallsBackToLastWriteWins(t *testing.T) {
	r := NewResolver(staticSettings{"s1": withPolicy("bogus")})

	for _, id := range []string{"s1", "missing"} {
		res, err := r.Resolve(id, twoWayConflict())
		require.NoError(t, err)
		assert.Equal(t, ResolutionAcceptLocal, res.Resolution)
	}
}

func TestResolveEmptyConflict(t *testing.T) {
	r := NewResolver(staticSettings{})

	_, err := r.Resolve("s1", EditConflict{ID: "c9"})
	assert.Error(t, err)
}
