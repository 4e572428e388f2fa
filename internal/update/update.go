package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/artifact"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/lock"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/verify"
	"go.uber.org/zap"
)

// #region updater
// Updater applies approved proposals with backup, diff, verify, then commit
// or rollback. Applies to the same target are serialized.
type Updater struct {
	config    Config
	artifacts Store
	runner    verify.Runner
	audit     audit.Appender
	locks     *lock.MutexMap
	logger    *zap.Logger
}

// NewUpdater creates an updater. logger may be nil.
func NewUpdater(config Config, artifacts Store, runner verify.Runner, appender audit.Appender, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		config:    config,
		artifacts: artifacts,
		runner:    runner,
		audit:     appender,
		locks:     lock.NewMutexMap(),
		logger:    logger.Named("update"),
	}
}
// #endregion updater

// #region apply
// Apply runs the five-step protocol for p. Backups live under scope so an
// aborted cycle can discard them in one call.
func (u *Updater) Apply(ctx context.Context, scope string, p proposal.Proposal) Result {
	res := Result{ProposalID: p.ID, Target: p.Target}
	if p.Target == "" || p.Diff == "" {
		res.Message = "proposal has no target or diff"
		return res
	}
	if scope == "" {
		scope = "adhoc"
	}

	u.locks.Lock(p.Target)
	defer u.locks.Unlock(p.Target)

	log := u.logger.With(zap.String("proposal", p.ID), zap.String("target", p.Target))

	// 1. Backup
	original, err := u.artifacts.Read(p.Target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Message = fmt.Sprintf("target %s not found", p.Target)
			return res
		}
		return u.ioFailure(log, res, "read target", err)
	}
	backupPath := u.backupPath(scope, p.Target)
	if err := artifact.WriteFileAtomic(backupPath, original, 0600); err != nil {
		return u.ioFailure(log, res, "write backup", err)
	}

	// 2. Diff apply
	patched, err := applyUnified(original, p.Diff)
	if err != nil {
		return u.rollback(ctx, log, res, backupPath, original, fmt.Sprintf("diff apply: %v", err), nil)
	}
	if err := u.artifacts.Write(p.Target, patched); err != nil {
		return u.rollback(ctx, log, res, backupPath, original, fmt.Sprintf("write artifact: %v", err), nil)
	}

	// 3. Verify
	passed, output, err := u.runner.Run(ctx, p.VerificationPlan)
	if err != nil || !passed {
		reason := "verification failed"
		if err != nil {
			reason = fmt.Sprintf("verification error: %v", err)
		} else if output != "" {
			reason = fmt.Sprintf("verification failed: %s", lastLine(output))
		}
		return u.rollback(ctx, log, res, backupPath, original, reason, verify.ErrVerificationFailed)
	}

	// 4. Commit
	if err := os.Remove(backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("discard backup", zap.Error(err))
	}
	res.Success = true
	res.Message = "committed"
	log.Info("change committed", zap.String("plan", p.VerificationPlan))

	_, err = u.audit.Append(context.WithoutCancel(ctx), u.config.Agent, audit.ActionAtomicCommit, map[string]any{
		"proposal_id": p.ID,
		"target":      p.Target,
		"scope":       scope,
	})
	if err != nil {
		res.Err = err
	}
	return res
}
// #endregion apply

// #region rollback
// rollback restores the artifact from its backup and checks the restored
// bytes against the original.
func (u *Updater) rollback(ctx context.Context, log *zap.Logger, res Result, backupPath string, original []byte, reason string, cause error) Result {
	res.Message = "rolled back: " + reason
	if cause != nil {
		res.Err = fmt.Errorf("%w: %s", cause, reason)
	}

	backup, err := os.ReadFile(backupPath)
	if errors.Is(err, fs.ErrNotExist) {
		// Scope discarded mid-apply; original is the same bytes.
		log.Warn("backup missing, restoring from memory", zap.String("backup", backupPath))
		backup, err = original, nil
	}
	if err == nil {
		err = u.artifacts.Write(res.Target, backup)
	}
	if err == nil {
		var restored []byte
		restored, err = u.artifacts.Read(res.Target)
		if err == nil && !bytes.Equal(restored, original) {
			err = errors.New("restored bytes differ from original")
		}
	}
	if err != nil {
		// The backup stays on disk for manual recovery.
		res.Err = fmt.Errorf("%w: restore %s: %w", ErrApplyIO, res.Target, err)
		res.Message = fmt.Sprintf("rollback failed after %s: %v", reason, err)
		log.Error("rollback failed", zap.String("reason", reason), zap.String("backup", backupPath), zap.Error(err))
		_, _ = u.audit.Append(context.WithoutCancel(ctx), u.config.Agent, audit.ActionAtomicRollback, map[string]any{
			"proposal_id": res.ProposalID,
			"target":      res.Target,
			"reason":      reason,
			"restored":    false,
			"error":       err.Error(),
		})
		return res
	}

	if err := os.Remove(backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("discard backup", zap.Error(err))
	}
	res.RolledBack = true
	log.Warn("change rolled back", zap.String("reason", reason))

	_, err = u.audit.Append(context.WithoutCancel(ctx), u.config.Agent, audit.ActionAtomicRollback, map[string]any{
		"proposal_id": res.ProposalID,
		"target":      res.Target,
		"reason":      reason,
		"restored":    true,
	})
	if err != nil {
		res.Err = errors.Join(res.Err, err)
	}
	return res
}

func (u *Updater) ioFailure(log *zap.Logger, res Result, step string, err error) Result {
	res.Err = fmt.Errorf("%w: %s: %w", ErrApplyIO, step, err)
	res.Message = fmt.Sprintf("%s failed: %v", step, err)
	log.Error("apply aborted", zap.String("step", step), zap.Error(err))
	return res
}
// #endregion rollback

// #region backups
// DiscardScope removes every backup created under scope.
func (u *Updater) DiscardScope(scope string) error {
	if scope == "" {
		return errors.New("empty backup scope")
	}
	if err := os.RemoveAll(filepath.Join(u.config.BackupDir, scope)); err != nil {
		return fmt.Errorf("%w: discard backups %s: %w", ErrApplyIO, scope, err)
	}
	return nil
}

func (u *Updater) backupPath(scope, target string) string {
	return filepath.Join(u.config.BackupDir, scope, target+".bak")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
// #endregion backups
