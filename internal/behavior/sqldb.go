package behavior

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"taskhub/internal/core"
)

// Admin runs server level statements such as DROP/CREATE DATABASE.
type Admin interface {
	Exec(ctx context.Context, stmt string) error
	Close() error
}

// AdminOpener connects an Admin for the given server settings.
type AdminOpener func(ctx context.Context, srv Server) (Admin, error)

// Server addresses a MySQL server.
type Server struct {
	User     string
	Password string
	Host     string
	Port     int
}

var charsetPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLDatabase imports SQL files into MySQL or exports a database with
// mysqldump. Schema statements go through database/sql; data moves through
// the mysql command line tools.
type SQLDatabase struct {
	operation      string
	mysqlBin       string
	mysqldumpBin   string
	server         Server
	database       string
	sqlFile        string
	sqlDir         string
	charset        string
	createDatabase bool
	dropExisting   bool

	pool      *Pool
	openAdmin AdminOpener
}

func newSQLDatabase(cfg settings, pool *Pool, open AdminOpener) *SQLDatabase {
	if open == nil {
		open = OpenMySQLAdmin
	}
	return &SQLDatabase{
		operation:    strings.ToLower(cfg.str("operation", "import")),
		mysqlBin:     cfg.str("mysql_bin", ""),
		mysqldumpBin: cfg.str("mysqldump_bin", ""),
		server: Server{
			User:     cfg.str("user", ""),
			Password: cfg.str("password", ""),
			Host:     cfg.str("host", "localhost"),
			Port:     cfg.integer("port", 3306),
		},
		database:       cfg.str("database", ""),
		sqlFile:        cfg.str("sql_file", ""),
		sqlDir:         cfg.str("sql_directory", ""),
		charset:        cfg.str("charset", "utf8mb4"),
		createDatabase: cfg.boolean("create_database", true),
		dropExisting:   cfg.boolean("drop_existing", true),
		pool:           pool,
		openAdmin:      open,
	}
}

func (d *SQLDatabase) Validate() error {
	if d.operation != "import" && d.operation != "export" {
		return fmt.Errorf("invalid operation: %s", d.operation)
	}
	if d.mysqlBin == "" {
		return errors.New("mysql binary path is required")
	}
	if _, err := exec.LookPath(d.mysqlBin); err != nil {
		return fmt.Errorf("mysql not found: %s", d.mysqlBin)
	}
	if d.server.User == "" {
		return errors.New("mysql user is required")
	}
	if !charsetPattern.MatchString(d.charset) {
		return fmt.Errorf("invalid charset: %s", d.charset)
	}
	switch d.operation {
	case "import":
		if d.sqlFile == "" && d.sqlDir == "" {
			return errors.New("sql file or directory is required for import")
		}
		if d.sqlFile != "" {
			if _, err := os.Stat(d.sqlFile); err != nil {
				return fmt.Errorf("sql file not found: %s", d.sqlFile)
			}
		}
		if d.sqlDir != "" {
			if _, err := os.Stat(d.sqlDir); err != nil {
				return fmt.Errorf("sql directory not found: %s", d.sqlDir)
			}
		}
	case "export":
		if d.database == "" {
			return errors.New("database name is required for export")
		}
		if d.sqlFile == "" {
			return errors.New("sql file path is required for export")
		}
	}
	return nil
}

func (d *SQLDatabase) Execute(ctrl core.Control) error {
	if d.operation == "export" {
		return d.export(ctrl)
	}
	ctrl.UpdateProgress(10)
	if d.sqlFile != "" {
		database := d.database
		if database == "" {
			database = strings.TrimSuffix(filepath.Base(d.sqlFile), filepath.Ext(d.sqlFile))
		}
		ctrl.UpdateProgress(30)
		if err := d.importFile(ctrl, d.sqlFile, database); err != nil {
			return err
		}
		ctrl.UpdateProgress(100)
		return nil
	}
	return d.importDir(ctrl)
}

func (d *SQLDatabase) importDir(ctrl core.Control) error {
	var files []string
	err := filepath.WalkDir(d.sqlDir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() && strings.EqualFold(filepath.Ext(path), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan sql directory: %w", err)
	}
	if len(files) == 0 {
		ctrl.Log("No SQL files found", core.LevelWarning)
		return nil
	}
	ctrl.Log(fmt.Sprintf("Found %d SQL file(s)", len(files)), core.LevelInfo)

	var ok, failed int
	for i, file := range files {
		if ctrl.IsStopped() || !ctrl.WaitIfPaused() {
			ctrl.Log("Import stopped by user", core.LevelWarning)
			return errors.New("import stopped by user")
		}
		if err := d.importFile(ctrl, file, databaseNameFor(d.sqlDir, file)); err != nil {
			failed++
		} else {
			ok++
		}
		ctrl.UpdateProgress(float64(i+1)/float64(len(files))*90 + 10)
	}
	ctrl.Log(fmt.Sprintf("Import complete: %d success, %d failed", ok, failed), core.LevelSuccess)
	if failed > 0 {
		return fmt.Errorf("%d sql file(s) failed to import", failed)
	}
	return nil
}

func (d *SQLDatabase) importFile(ctrl core.Control, file, database string) error {
	ctx := ctrl.Context()
	ctrl.Log(fmt.Sprintf("Importing %s into %s", filepath.Base(file), database), core.LevelInfo)

	if d.dropExisting || d.createDatabase {
		if err := d.prepare(ctx, ctrl, database); err != nil {
			ctrl.Log(fmt.Sprintf("MySQL error: %v", err), core.LevelError)
			return err
		}
	}

	in, err := os.Open(file)
	if err != nil {
		return err
	}
	defer in.Close()

	args := append(d.clientArgs(), "--default-character-set="+d.charset, database)
	err = d.pool.Run(ctx, func() error {
		cmd := exec.CommandContext(ctx, d.mysqlBin, args...) // #nosec G204
		cmd.Stdin = in
		return d.runClient(cmd, nil)
	})
	if err != nil {
		msg := fmt.Sprintf("Import failed: %v", err)
		ctrl.Log(msg, core.LevelError)
		return errors.New(msg)
	}
	ctrl.Log(fmt.Sprintf("Successfully imported %s", database), core.LevelSuccess)
	return nil
}

func (d *SQLDatabase) prepare(ctx context.Context, ctrl core.Control, database string) error {
	admin, err := d.openAdmin(ctx, d.server)
	if err != nil {
		return err
	}
	defer admin.Close()
	if d.dropExisting {
		ctrl.Log(fmt.Sprintf("Dropping database %s", database), core.LevelInfo)
		if err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(database)); err != nil {
			return fmt.Errorf("drop database: %w", err)
		}
	}
	if d.createDatabase {
		ctrl.Log(fmt.Sprintf("Creating database %s", database), core.LevelInfo)
		stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s CHARACTER SET %s", quoteIdent(database), d.charset)
		if err := admin.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
	}
	return nil
}

func (d *SQLDatabase) export(ctrl core.Control) error {
	ctx := ctrl.Context()
	ctrl.Log(fmt.Sprintf("Exporting %s to %s", d.database, d.sqlFile), core.LevelInfo)
	if err := os.MkdirAll(filepath.Dir(d.sqlFile), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	dump, err := d.dumpBinary()
	if err != nil {
		return err
	}
	ctrl.UpdateProgress(30)

	out, err := os.Create(d.sqlFile)
	if err != nil {
		return err
	}
	args := append(d.clientArgs(), "--default-character-set="+d.charset, d.database)
	err = d.pool.Run(ctx, func() error {
		cmd := exec.CommandContext(ctx, dump, args...) // #nosec G204
		return d.runClient(cmd, out)
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		msg := fmt.Sprintf("Export failed: %v", err)
		ctrl.Log(msg, core.LevelError)
		return errors.New(msg)
	}
	ctrl.Log(fmt.Sprintf("Successfully exported to %s", d.sqlFile), core.LevelSuccess)
	ctrl.UpdateProgress(100)
	return nil
}

// dumpBinary resolves mysqldump, defaulting to the sibling of mysql_bin.
func (d *SQLDatabase) dumpBinary() (string, error) {
	if d.mysqldumpBin != "" {
		return d.mysqldumpBin, nil
	}
	candidate := filepath.Join(filepath.Dir(d.mysqlBin), "mysqldump")
	if filepath.Dir(d.mysqlBin) == "." {
		candidate = "mysqldump"
	}
	if runtime.GOOS == "windows" {
		candidate += ".exe"
	}
	path, err := exec.LookPath(candidate)
	if err != nil {
		return "", errors.New("mysqldump not found")
	}
	return path, nil
}

// clientArgs are the connection flags shared by mysql and mysqldump. The
// password travels in MYSQL_PWD so it stays out of the process list.
func (d *SQLDatabase) clientArgs() []string {
	return []string{
		"-u", d.server.User,
		"-h", d.server.Host,
		"-P", strconv.Itoa(d.server.Port),
	}
}

func (d *SQLDatabase) runClient(cmd *exec.Cmd, stdout *os.File) error {
	cmd.Env = os.Environ()
	if d.server.Password != "" {
		cmd.Env = append(cmd.Env, "MYSQL_PWD="+d.server.Password)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(truncate(stderr.String(), outputPreview)), err)
	}
	return nil
}

// databaseNameFor names the target database after the file, prefixed with
// its first level folder when nested.
func databaseNameFor(root, file string) string {
	stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	name := stem
	if rel, err := filepath.Rel(root, file); err == nil {
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) > 1 {
			name = parts[0] + "_" + stem
		}
	}
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

type sqlAdmin struct {
	db *sql.DB
}

// OpenMySQLAdmin connects to the server without selecting a database.
func OpenMySQLAdmin(ctx context.Context, srv Server) (Admin, error) {
	cfg := mysql.NewConfig()
	cfg.User = srv.User
	cfg.Passwd = srv.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	cfg.Timeout = 10 * time.Second

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect mysql %s: %w", cfg.Addr, err)
	}
	return &sqlAdmin{db: db}, nil
}

func (a *sqlAdmin) Exec(ctx context.Context, stmt string) error {
	_, err := a.db.ExecContext(ctx, stmt)
	return err
}

func (a *sqlAdmin) Close() error { return a.db.Close() }
