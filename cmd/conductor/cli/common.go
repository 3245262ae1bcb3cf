package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/conductor/internal/store"
)

func getStore() store.Storage {
	home, _ := os.UserHomeDir()
	storeLayer, err := store.NewSQLiteStore(filepath.Join(home, ".conductor", "patterns.db"))
	if err != nil {
		fmt.Printf("Failed to init store: %v\n", err)
		os.Exit(1)
	}
	return storeLayer
}
