package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/SchlenkR/ronboard/internal/config"
	"github.com/SchlenkR/ronboard/internal/session"
	"github.com/SchlenkR/ronboard/internal/store/filestore"
	"github.com/SchlenkR/ronboard/internal/store/sqlitestore"
)

// openStore opens the history backend selected by cfg.Store.
func openStore(ctx context.Context, cfg *config.Config) (session.HistoryStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(ctx, filepath.Join(cfg.DataDir, sqlitestore.FileName))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreFile:
		s, err := filestore.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
