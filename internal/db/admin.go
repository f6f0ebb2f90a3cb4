package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts a tailsql console and a backup download under
// /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Printf("[db] tailsql disabled: %v", err)
	} else {
		tsql.SetDB("sqlite://telemetry.db", db.DB, &tailsql.DBOptions{
			Label: "Telemetry DB",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("telemetry-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			log.Printf("[db] failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		log.Printf("[db] backup copy: %v", err)
	}
}
