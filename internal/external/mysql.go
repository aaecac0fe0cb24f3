package external

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"backrun/internal/config"
	"backrun/internal/core"
)

// mysqlSource dumps configured databases into the staging directory via
// mysqldump. A preflight ping catches bad credentials and unreachable
// hosts before the first dump process is spawned.
type mysqlSource struct {
	label     string
	host      string
	port      int
	username  string
	password  string
	databases []config.ExternalDatabaseConfig
	logger    core.Logger

	// dumpCommand is the binary to spawn, overridable in tests.
	dumpCommand string
}

var _ source = (*mysqlSource)(nil)

func newMySQLSource(cfg config.ExternalSourceConfig, logger core.Logger) *mysqlSource {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	return &mysqlSource{
		label:       cfg.Label,
		host:        cfg.Host,
		port:        port,
		username:    cfg.Username,
		password:    cfg.Password,
		databases:   cfg.Databases,
		logger:      logger,
		dumpCommand: "mysqldump",
	}
}

func (s *mysqlSource) Label() string { return s.label }

func (s *mysqlSource) Pull(ctx context.Context, destDir string) error {
	if err := s.ping(ctx); err != nil {
		return fmt.Errorf("reaching %s: %w", s.host, err)
	}

	for _, db := range s.databases {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.dump(ctx, db, destDir); err != nil {
			return fmt.Errorf("dumping %s: %w", db.Name, err)
		}
		s.logger.Debug("database dumped", "source", s.label, "database", db.Name)
	}
	return nil
}

func (s *mysqlSource) ping(ctx context.Context) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/?timeout=10s", s.username, s.password, s.host, s.port)
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return conn.PingContext(pingCtx)
}

func (s *mysqlSource) dump(ctx context.Context, db config.ExternalDatabaseConfig, destDir string) error {
	outPath := filepath.Join(destDir, db.Name+".sql")
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, s.dumpCommand, dumpArgs(s.host, s.port, s.username, db)...)
	// The password travels via the environment so it never shows in the
	// process list.
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+s.password)
	cmd.Stdout = out
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// dumpArgs builds the mysqldump argument list for one database.
func dumpArgs(host string, port int, username string, db config.ExternalDatabaseConfig) []string {
	args := []string{
		"--host", host,
		"--port", strconv.Itoa(port),
		"--user", username,
		"--single-transaction",
		"--routines",
	}
	for _, tbl := range db.IgnoreTables {
		args = append(args, "--ignore-table="+db.Name+"."+tbl)
	}
	return append(args, db.Name)
}
