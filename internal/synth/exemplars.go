package synth

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadExemplars reads every .txt file in dir as one exemplar conversation.
// Empty files are skipped.
func LoadExemplars(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read exemplar dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read exemplar %s: %w", name, err)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			slog.Warn("LoadExemplars: skipping empty exemplar", "file", name)
			continue
		}
		out = append(out, text)
	}
	slog.Debug("LoadExemplars loaded", "dir", dir, "count", len(out))
	return out, nil
}
