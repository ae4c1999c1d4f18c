package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTextfile(t *testing.T) {
	DeploysTotal.WithLabelValues("succeeded").Inc()
	ImageCacheTotal.WithLabelValues(CacheHit).Inc()

	path := filepath.Join(t.TempDir(), "burrow.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, name := range []string{"burrow_deploys_total", "burrow_image_cache_total"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("textfile missing %s", name)
		}
	}
}

func TestWriteTextfileBadPath(t *testing.T) {
	if err := WriteTextfile(filepath.Join(t.TempDir(), "missing", "burrow.prom")); err == nil {
		t.Error("WriteTextfile() expected error for missing directory")
	}
}
