package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileJSON(t *testing.T) {
	inv, err := LoadFile("testdata/product_inventory.json")
	require.NoError(t, err)

	assert.Equal(t, []string{"電子產品", "美妝", "運動用品", "家電", "旅遊"}, inv.CategoryNames())
	assert.Equal(t, 24, inv.Categories[0].ProductCount)
	assert.Equal(t, []string{"廚神", "飯煲大王"}, inv.Brands("家電"))
}

func TestLoadFileYAML(t *testing.T) {
	inv, err := LoadFile("testdata/product_inventory.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"美妝", "運動用品"}, inv.CategoryNames())
	// Unlisted categories contribute brands after listed ones.
	assert.Equal(t, []string{"日常守護", "素顏光", "活力水", "長榮飯店"}, inv.Brands(""))
}

func TestBrandsAllDistinct(t *testing.T) {
	inv := Inventory{
		Categories: []CategoryInfo{{Name: "a"}, {Name: "b"}},
		BrandsByCategory: map[string][]string{
			"a": {"x", "y"},
			"b": {"y", "z", ""},
		},
	}
	assert.Equal(t, []string{"x", "y", "z"}, inv.Brands(""))
	assert.Nil(t, inv.Brands("missing"))
}

func TestBrandsReturnsCopy(t *testing.T) {
	inv := Inventory{BrandsByCategory: map[string][]string{"a": {"x"}}}
	got := inv.Brands("a")
	got[0] = "mutated"
	assert.Equal(t, []string{"x"}, inv.Brands("a"))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("inv.json", []byte("{not json"))
	assert.Error(t, err)
}

func TestInventoryAPIEncoding(t *testing.T) {
	inv, err := Parse("inv.json", []byte(`{"categories":[{"name":"美妝","product_count":3,"brand_count":1}],"brands_by_category":{"美妝":["素顏光"]}}`))
	require.NoError(t, err)

	b, err := json.Marshal(inv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"categories":[{"name":"美妝","productCount":3,"brandCount":1}],"brandsByCategory":{"美妝":["素顏光"]}}`, string(b))

	var back Inventory
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, inv, back)
}

func TestLoaderMissingFile(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	assert.Empty(t, l.Categories())
	assert.Empty(t, l.Brands(""))
}

func TestLoaderEmptyPath(t *testing.T) {
	l := NewLoader("")
	assert.Empty(t, l.Categories())
}

func TestLoaderLoadsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inv.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"categories":[{"name":"美妝"}],"brands_by_category":{"美妝":["素顏光"]}}`), 0o644))

	l := NewLoader(path)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, []string{"美妝"}, l.Categories())
		}()
	}
	wg.Wait()

	// Later edits to the file are not observed.
	require.NoError(t, os.WriteFile(path, []byte(`{"categories":[{"name":"家電"}]}`), 0o644))
	assert.Equal(t, []string{"美妝"}, l.Categories())
}

func TestNewStatic(t *testing.T) {
	l := NewStatic(Inventory{Categories: []CategoryInfo{{Name: "旅遊"}}})
	assert.Equal(t, []string{"旅遊"}, l.Categories())
}
