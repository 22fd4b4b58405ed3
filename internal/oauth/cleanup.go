package oauth

import (
	"context"
	"fmt"

	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
)

// Purge deletes ledger entries whose state has expired. An expired state is
// rejected by the codec already, so its nonce no longer needs tracking.
func (l *DBLedger) Purge(ctx context.Context) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("expires_at < ?", l.now().UTC()).
		Delete(&models.OAuthStateNonce{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired state nonces: %w", result.Error)
	}
	return result.RowsAffected, nil
}
