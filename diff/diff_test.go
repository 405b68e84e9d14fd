package diff

import (
	"cmp"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapScenario(t *testing.T) {
	b := Map[string, int]{
		InputID: 1,
		Old:     []Entry[string, int]{{"A", 1}, {"B", 2}},
		Order:   cmp.Compare[string],
	}
	changes, err := b.Differentiate(context.Background(), map[string]int{"A": 1, "C": 2})
	require.NoError(t, err)
	require.Equal(t, []Change[string, int]{
		{Kind: Removed, Key: "B", InputID: 1},
		{Kind: Added, Key: "C", Value: 2, InputID: 1},
	}, changes)
}

func TestMapUpdate(t *testing.T) {
	b := Map[string, int]{InputID: 3, Old: []Entry[string, int]{{"A", 1}, {"B", 2}}}
	changes, err := b.Differentiate(context.Background(), map[string]int{"A": 5, "B": 2})
	require.NoError(t, err)
	require.Equal(t, []Change[string, int]{{Kind: Updated, Key: "A", Value: 5, InputID: 3}}, changes)

	changes, err = b.Differentiate(context.Background(), map[string]int{"A": 1, "B": 2})
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestMapZeroValueIsNotRemoval(t *testing.T) {
	b := Map[string, *int]{InputID: 1, Old: []Entry[string, *int]{{"A", nil}}}
	changes, err := b.Differentiate(context.Background(), map[string]*int{"A": nil})
	require.NoError(t, err)
	require.Empty(t, changes)

	changes, err = b.Differentiate(context.Background(), map[string]*int{})
	require.NoError(t, err)
	require.Equal(t, []Change[string, *int]{{Kind: Removed, Key: "A", InputID: 1}}, changes)
}

func TestEmptyAndCollection(t *testing.T) {
	newData := map[string]int{"b": 2, "a": 1}

	changes, err := Empty[string, int]{InputID: 9, Order: cmp.Compare[string]}.Differentiate(context.Background(), newData)
	require.NoError(t, err)
	require.Equal(t, []Change[string, int]{
		{Kind: Added, Key: "a", Value: 1, InputID: 9},
		{Kind: Added, Key: "b", Value: 2, InputID: 9},
	}, changes)

	changes, err = Collection[string, int]{InputID: 9, Keys: []string{"z", "a"}, Order: cmp.Compare[string]}.Differentiate(context.Background(), newData)
	require.NoError(t, err)
	require.Equal(t, []Change[string, int]{
		{Kind: Removed, Key: "z", InputID: 9},
		{Kind: Removed, Key: "a", InputID: 9},
		{Kind: Added, Key: "a", Value: 1, InputID: 9},
		{Kind: Added, Key: "b", Value: 2, InputID: 9},
	}, changes)
	require.Equal(t, newData, Apply(map[string]int{"z": 0, "a": 7}, changes))
}

func randomMap(rng *rand.Rand) map[string]int {
	m := map[string]int{}
	for range rng.Intn(30) {
		m[fmt.Sprintf("k%d", rng.Intn(40))] = rng.Intn(3)
	}
	return m
}

func TestApplyReproducesNewData(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()
	for round := range 500 {
		old, next := randomMap(rng), randomMap(rng)

		builders := map[string]Builder[string, int]{
			"map":        Map[string, int]{InputID: 1, Old: Entries(old, nil)},
			"collection": Collection[string, int]{InputID: 1, Keys: keysOf(old)},
		}
		if len(old) == 0 {
			builders["empty"] = Empty[string, int]{InputID: 1}
		}
		for name, b := range builders {
			changes, err := b.Differentiate(ctx, next)
			require.NoError(t, err)
			require.Equal(t, next, Apply(old, changes), "%s round %d", name, round)
		}

		changes, err := builders["map"].Differentiate(ctx, next)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, c := range changes {
			require.False(t, seen[c.Key], "key %s reported twice", c.Key)
			seen[c.Key] = true
		}
	}
}

func keysOf(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Empty[int, int]{InputID: 1}.Differentiate(ctx, map[int]int{1: 1})
	require.ErrorIs(t, err, context.Canceled)

	big := map[int]int{}
	for i := range 5000 {
		big[i] = i
	}
	ctx, cancel = context.WithCancel(context.Background())
	b := Map[int, int]{InputID: 1, Old: Entries(big, nil)}
	cancel()
	_, err = b.Differentiate(ctx, big)
	require.ErrorIs(t, err, context.Canceled)

	cc := &canceler{ctx: ctx}
	for range checkEvery - 1 {
		require.NoError(t, cc.tick())
	}
	require.ErrorIs(t, cc.tick(), context.Canceled)
}
