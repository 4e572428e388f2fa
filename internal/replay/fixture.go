package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
)

// #region fixture

// LoadFixture reads a JSON array of audit entries, the format written by
// `verify-log --export`, so a log can be replayed away from its database.
func LoadFixture(path string) ([]audit.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var entries []audit.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return entries, nil
}

// #endregion fixture
