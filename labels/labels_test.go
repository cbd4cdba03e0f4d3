package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cocoSubset = `
item {
  name: "/m/01g317"
  id: 1
  display_name: "person"
}
item {
  name: "/m/0199g"
  id: 2
  display_name: "bicycle"
}
item {
  name: "/m/0k4j"
  id: 3
}
item {
  name: "/m/083wq"
  id: 91
  display_name: "wheel"
}
`

func writeLabelMap(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "label_map.pbtxt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseLabelMap(t *testing.T) {
	lm, err := ParseLabelMap([]byte(cocoSubset))
	require.NoError(t, err)
	require.Len(t, lm.Items, 4)

	assert.Equal(t, Item{Name: "/m/01g317", ID: 1, DisplayName: "person", HasDisplayName: true}, lm.Items[0])
	assert.False(t, lm.Items[2].HasDisplayName)
	assert.Equal(t, 91, lm.MaxIndex())
	assert.Equal(t, 0, MaxLabelMapIndex(nil))
}

func TestParseLabelMapIgnoresUnknownFields(t *testing.T) {
	lm, err := ParseLabelMap([]byte(`item { name: "a" id: 1 display_name: "A" instance_count: 4 }`))
	require.NoError(t, err)
	require.Len(t, lm.Items, 1)
	assert.Equal(t, "A", lm.Items[0].DisplayName)
}

func TestParseLabelMapErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{name: "malformed text", content: `item { name: "a" id: `},
		{name: "negative id", content: `item { name: "a" id: -1 }`, invalid: true},
		{name: "id zero not background", content: `item { name: "a" id: 0 }`, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLabelMap([]byte(tt.content))
			require.Error(t, err)
			assert.Equal(t, tt.invalid, errors.Cause(err) == ErrInvalidLabelMap)
		})
	}
}

func TestParseLabelMapBackgroundAllowed(t *testing.T) {
	lm, err := ParseLabelMap([]byte(`item { name: "background" id: 0 } item { name: "cat" id: 1 }`))
	require.NoError(t, err)
	assert.Len(t, lm.Items, 2)
}

func TestConvertToCategories(t *testing.T) {
	lm, err := ParseLabelMap([]byte(cocoSubset))
	require.NoError(t, err)

	t.Run("display names within range", func(t *testing.T) {
		categories := ConvertToCategories(lm, 90, true)
		assert.Equal(t, []Category{
			{ID: 1, Name: "person"},
			{ID: 2, Name: "bicycle"},
			{ID: 3, Name: "/m/0k4j"},
		}, categories)
	})

	t.Run("raw names", func(t *testing.T) {
		categories := ConvertToCategories(lm, 2, false)
		assert.Equal(t, []Category{
			{ID: 1, Name: "/m/01g317"},
			{ID: 2, Name: "/m/0199g"},
		}, categories)
	})

	t.Run("nil label map", func(t *testing.T) {
		categories := ConvertToCategories(nil, 3, true)
		assert.Equal(t, []Category{
			{ID: 1, Name: "category_1"},
			{ID: 2, Name: "category_2"},
			{ID: 3, Name: "category_3"},
		}, categories)
	})

	t.Run("duplicate ids keep first", func(t *testing.T) {
		dup, err := ParseLabelMap([]byte(`item { name: "a" id: 1 } item { name: "b" id: 1 }`))
		require.NoError(t, err)
		assert.Equal(t, []Category{{ID: 1, Name: "a"}}, ConvertToCategories(dup, 10, true))
	})
}

func TestLoad(t *testing.T) {
	path := writeLabelMap(t, cocoSubset)

	index, err := Load(path, 90, nil)
	require.NoError(t, err)
	assert.Len(t, index, 3)

	name, ok := index.Name(1)
	assert.True(t, ok)
	assert.Equal(t, "person", name)

	_, ok = index.Name(91)
	assert.False(t, ok, "ids above num classes are dropped")

	assert.Equal(t, []Category{
		{ID: 1, Name: "person"},
		{ID: 2, Name: "bicycle"},
		{ID: 3, Name: "/m/0k4j"},
	}, index.Categories())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.pbtxt"), 90, nil)
	assert.Error(t, err)

	_, err = Load(writeLabelMap(t, "item {"), 90, nil)
	assert.Error(t, err)

	_, err = Load("", 0, nil)
	assert.Error(t, err)
}

func TestLoadWithoutPath(t *testing.T) {
	index, err := Load("", 2, nil)
	require.NoError(t, err)
	name, ok := index.Name(2)
	require.True(t, ok)
	assert.Equal(t, "category_2", name)
}
