package feed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const sampleCSV = `ts,open,high,low,close,volume
2024-01-01T00:00:00Z,100,101,99,100,10
2024-01-01T00:01:00Z,100,102,100,101,10
`

func TestLoadManifestStrictV1(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "AAA.csv", sampleCSV)
	writeFile(t, dir, "manifest.yaml", `
version: 1
format: parquet
files:
  - { symbol: AAA, path: AAA.csv }
`)
	manifest, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, manifest.Symbols)
	assert.Equal(t, "AAA.csv", manifest.FilesBySymbol["AAA"])
}

func TestLoadManifestPathListAssignsSyntheticSymbols(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", sampleCSV)
	writeFile(t, dir, "b.csv", sampleCSV)
	writeFile(t, dir, "manifest.yaml", `
version: 1
format: parquet
files:
  - a.csv
  - b.csv
`)
	manifest, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"__file_001__", "__file_002__"}, manifest.Symbols)
}

func TestLoadManifestLegacy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "AAA.csv", sampleCSV)
	writeFile(t, dir, "manifest.yaml", `
format: per_symbol_parquet
symbols: [AAA]
path: "{symbol}.csv"
`)
	manifest, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "AAA.csv", manifest.FilesBySymbol["AAA"])
}

func TestLoadManifestRejects(t *testing.T) {
	t.Run("缺 manifest", func(t *testing.T) {
		_, err := LoadManifest(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("越界路径", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "manifest.yaml", `
version: 1
format: parquet
files:
  - ../outside.csv
`)
		_, err := LoadManifest(dir)
		assert.Error(t, err)
	})

	t.Run("引用文件缺失", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "manifest.yaml", `
version: 1
format: parquet
files:
  - { symbol: AAA, path: AAA.csv }
`)
		_, err := LoadManifest(dir)
		assert.Error(t, err)
	})

	t.Run("重复 symbol", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "AAA.csv", sampleCSV)
		writeFile(t, dir, "manifest.yaml", `
version: 1
format: parquet
files:
  - { symbol: AAA, path: AAA.csv }
  - { symbol: AAA, path: AAA.csv }
`)
		_, err := LoadManifest(dir)
		assert.Error(t, err)
	})
}

func TestStreamingFeedFromDataset(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "AAA.csv", sampleCSV)
	writeFile(t, dir, "manifest.yaml", `
version: 1
format: parquet
files:
  - { symbol: AAA, path: AAA.csv }
`)
	f, err := NewStreaming(dir, Scope{})
	require.NoError(t, err)
	defer f.Close()

	count := 0
	for {
		_, bars, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Len(t, bars, 1)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestCSVSourceValidation(t *testing.T) {
	t.Run("裸时间戳拒绝", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "AAA.csv", "ts,open,high,low,close,volume\n2024-01-01 00:00:00,1,1,1,1,1\n")
		src, err := NewSymbolSource("AAA", filepath.Join(dir, "AAA.csv"), Scope{})
		require.NoError(t, err)
		_, _, err = src.Next()
		assert.Error(t, err)
	})

	t.Run("负 volume 拒绝", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "AAA.csv", "ts,open,high,low,close,volume\n2024-01-01T00:00:00Z,1,1,1,1,-2\n")
		src, err := NewSymbolSource("AAA", filepath.Join(dir, "AAA.csv"), Scope{})
		require.NoError(t, err)
		_, _, err = src.Next()
		assert.Error(t, err)
	})

	t.Run("symbol 列不匹配拒绝", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "AAA.csv", "ts,symbol,open,high,low,close,volume\n2024-01-01T00:00:00Z,BBB,1,1,1,1,1\n")
		src, err := NewSymbolSource("AAA", filepath.Join(dir, "AAA.csv"), Scope{})
		require.NoError(t, err)
		_, _, err = src.Next()
		assert.Error(t, err)
	})
}
