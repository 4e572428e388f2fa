package update

import "errors"

// ErrApplyIO marks a backup or restore I/O failure. Artifact integrity can no
// longer be guaranteed, so callers must escalate it.
var ErrApplyIO = errors.New("apply I/O failure")

// #region config
// Config holds the updater's storage settings.
type Config struct {
	BackupDir string
	Agent     string // audit agent name
}

// DefaultConfig returns defaults rooted at dataDir.
func DefaultConfig(backupDir string) Config {
	return Config{BackupDir: backupDir, Agent: "atomic_updater"}
}
// #endregion config

// #region store
// Store is the artifact storage the updater reads, patches and restores.
type Store interface {
	Read(id string) ([]byte, error)
	Write(id string, data []byte) error
}
// #endregion store

// #region result
// Result reports the outcome of one Apply. Success means the post-diff bytes
// are in place and verified; otherwise the artifact holds its pre-diff bytes,
// unless Err wraps ErrApplyIO.
type Result struct {
	ProposalID string `json:"proposal_id"`
	Target     string `json:"target"`
	Success    bool   `json:"success"`
	RolledBack bool   `json:"rolled_back"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}
// #endregion result
