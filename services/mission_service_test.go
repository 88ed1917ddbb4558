package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"practice-session-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
missions:
  - id: m-intro
    title: First Conversation
  - id: m-cafe
    title: Ordering at a Café
    code: Cafe Order!
    min_level: 2
    prerequisites: [m-intro]
    rewards:
      xp_cap: 150
  - id: m-daily
    title: Daily Small Talk
    cooldown_seconds: 3600
    sort_order: 10
`

func TestParseCatalog(t *testing.T) {
	missions, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, missions, 3)

	intro, cafe, daily := missions[0], missions[1], missions[2]
	assert.Equal(t, "first-conversation", intro.Code)
	assert.Equal(t, 1, intro.SortOrder)
	assert.False(t, intro.Repeatable)

	assert.Equal(t, "cafe-order", cafe.Code)
	assert.Equal(t, 2, cafe.MinLevel)
	assert.Equal(t, []string{"m-intro"}, cafe.PrerequisiteIDs)
	assert.EqualValues(t, 150, cafe.Rewards.XPCap)

	assert.True(t, daily.Repeatable, "a cooldown implies repeatable")
	assert.Equal(t, 10, daily.SortOrder)
}

func TestParseCatalog_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing title":        "missions:\n  - id: a\n",
		"duplicate id":         "missions:\n  - {id: a, title: A}\n  - {id: a, title: B}\n",
		"unknown prerequisite": "missions:\n  - {id: a, title: A, prerequisites: [zz]}\n",
		"negative cooldown":    "missions:\n  - {id: a, title: A, cooldown_seconds: -5}\n",
		"not yaml":             "missions: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestSeedFromFile_Upserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "missions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	n, err := f.missions.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-seeding with an edited title updates in place
	edited := []byte("missions:\n  - {id: m-intro, title: Hello There}\n")
	require.NoError(t, os.WriteFile(path, edited, 0o644))
	_, err = f.missions.SeedFromFile(ctx, path)
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&models.Mission{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)

	m, err := f.missions.Get(ctx, "m-intro")
	require.NoError(t, err)
	assert.Equal(t, "Hello There", m.Title)
	assert.Equal(t, "hello-there", m.Code)

	cafe, err := f.missions.Get(ctx, "m-cafe")
	require.NoError(t, err)
	assert.Equal(t, []string{"m-intro"}, cafe.PrerequisiteIDs)
	assert.EqualValues(t, 150, cafe.Rewards.XPCap)

	_, err = f.missions.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrMissionNotFound)
}

func TestSeedFromFile_MissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.missions.SeedFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
