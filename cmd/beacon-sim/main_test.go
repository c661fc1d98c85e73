package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkguide/go-proximity-server/internal/catalog"
)

func TestSelectPlacesDefaultsToPOIs(t *testing.T) {
	cat, err := catalog.Default(catalog.KeyByMinor)
	require.NoError(t, err)

	places, err := selectPlaces(cat, nil)
	require.NoError(t, err)
	assert.Len(t, places, len(cat.POIs()))
}

func TestSelectPlacesKeepsOrder(t *testing.T) {
	cat, err := catalog.Default(catalog.KeyByMinor)
	require.NoError(t, err)

	places, err := selectPlaces(cat, []string{"cedro_libano", " cascata_maggiore"})
	require.NoError(t, err)
	require.Len(t, places, 2)
	assert.Equal(t, "cedro_libano", places[0].ID)
	assert.Equal(t, "cascata_maggiore", places[1].ID)

	_, err = selectPlaces(cat, []string{"nowhere"})
	assert.Error(t, err)
}

func TestBuildBatchPutsTargetInsideTrigger(t *testing.T) {
	cat, err := catalog.Default(catalog.KeyByMinor)
	require.NoError(t, err)
	places, err := selectPlaces(cat, []string{"cascata_maggiore", "grotte_maimone", "cedro_libano"})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		target := round % len(places)
		batch := buildBatch(rng, places, target, 0.5, 0.3)
		require.Len(t, batch, len(places)+1)

		closest := -1.0
		var closestMinor int
		missing := 0
		for _, b := range batch {
			if b.Distance == nil {
				missing++
				continue
			}
			if closest < 0 || *b.Distance < closest {
				closest = *b.Distance
				closestMinor = *b.Minor
			}
		}

		assert.GreaterOrEqual(t, missing, 1, "target duplicate has no distance")
		assert.Equal(t, *places[target].Beacon.Minor, closestMinor)
		assert.Less(t, closest, places[target].Beacon.TriggerDistance)
	}
}

func TestDeviceTopic(t *testing.T) {
	assert.Equal(t, "devices/abc/ranging", deviceTopic("abc", "ranging"))
}
