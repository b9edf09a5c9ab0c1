package token

import (
	"context"
	"time"

	"postkeeper/internal/domain/credential"
	pkerrors "postkeeper/internal/platform/errors"
)

// BackupMaxAge bounds how stale a backup may be when restored.
const BackupMaxAge = 24 * time.Hour

// Backup is a known-good credential captured before a risky mutation.
type Backup struct {
	Credential credential.Credential `json:"credential"`
	TakenAt    time.Time             `json:"taken_at"`
}

// Backup snapshots the stored credential. It fails when nothing valid is stored.
func (m *Manager) Backup(ctx context.Context) (Backup, error) {
	c, err := m.repo.Load(ctx)
	if err != nil {
		return Backup{}, pkerrors.Wrap(pkerrors.KindRecovery, "token.backup", "no valid credential to back up", err)
	}
	return Backup{Credential: c, TakenAt: m.now()}, nil
}

// Restore writes b back to the store and adopts it.
func (m *Manager) Restore(ctx context.Context, b Backup) error {
	if m.now().Sub(b.TakenAt) > BackupMaxAge {
		return pkerrors.Wrap(pkerrors.KindRecovery, "token.restore", "backup taken at "+b.TakenAt.Format(time.RFC3339), ErrBackupTooOld)
	}
	if b.Credential.RefreshToken == "" {
		return pkerrors.Wrap(pkerrors.KindRecovery, "token.restore", "backup has no refresh token", ErrNoValidRefreshToken)
	}
	if err := m.repo.Restore(ctx, b.Credential); err != nil {
		return err
	}
	c := b.Credential
	m.cred.Store(&c)
	m.setState(Authenticated{})
	m.logger.Info("restored credential backup from %s", b.TakenAt.Format(time.RFC3339))
	return nil
}

// WithBackup runs fn and restores the pre-call credential when fn fails. If
// no backup could be taken fn still runs.
func (m *Manager) WithBackup(ctx context.Context, fn func() error) error {
	b, backupErr := m.Backup(ctx)
	err := fn()
	if err == nil || backupErr != nil {
		return err
	}
	if restoreErr := m.Restore(context.WithoutCancel(ctx), b); restoreErr != nil {
		m.logger.Error("restoring backup after failed write: %v", restoreErr)
	}
	return err
}
