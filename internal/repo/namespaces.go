package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Namespaces is the SQLite namespace-id cache. It satisfies
// wrangler.NamespaceCache.
type Namespaces struct {
	DB  *sql.DB
	Now func() time.Time
}

func (n Namespaces) GetNamespace(ctx context.Context, accountID, title string) (string, bool, error) {
	var id string
	err := n.DB.QueryRowContext(ctx, `SELECT namespace_id FROM kv_namespaces WHERE account_id=? AND title=?`, accountID, title).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (n Namespaces) PutNamespace(ctx context.Context, accountID, title, id string) error {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	_, err := n.DB.ExecContext(ctx, `INSERT INTO kv_namespaces(account_id,title,namespace_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(account_id,title) DO UPDATE SET namespace_id=excluded.namespace_id`,
		accountID, title, id, now().UTC().Format(time.RFC3339))
	return err
}
