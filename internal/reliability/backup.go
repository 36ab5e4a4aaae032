package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/database"
)

const (
	archivePrefix    = "collector-backup-"
	archiveStamp     = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// StoredObject is one object in the backup bucket.
type StoredObject struct {
	Key  string
	Size int64
}

// ObjectStore is the object-storage surface the backup service uses.
// Satisfied by S3Client.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// Metadata describes one backup archive.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Databases []DatabaseMeta `json:"databases"`
}

// DatabaseMeta describes a single database snapshot inside the archive.
type DatabaseMeta struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo is one stored backup, for listing.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots every database with VACUUM INTO, bundles the
// snapshots plus a checksummed metadata file into a tar.gz, uploads it, and
// rotates old archives.
type BackupService struct {
	databases  map[string]*database.DB
	store      ObjectStore
	dataDir    string
	retainDays int
	log        zerolog.Logger
}

// NewBackupService creates the backup service over the given databases.
func NewBackupService(databases map[string]*database.DB, store ObjectStore, dataDir string, retainDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases:  databases,
		store:      store,
		dataDir:    dataDir,
		retainDays: retainDays,
		log:        log.With().Str("service", "backup").Logger(),
	}
}

// Run performs one full backup cycle: snapshot, archive, upload, rotate.
func (s *BackupService) Run(ctx context.Context) error {
	start := time.Now()
	if err := s.CreateAndUpload(ctx); err != nil {
		return err
	}
	if err := s.Rotate(ctx); err != nil {
		return err
	}
	s.log.Info().Dur("duration", time.Since(start)).Msg("Backup cycle completed")
	return nil
}

// CreateAndUpload snapshots the databases into a staging directory, bundles
// them and uploads the archive.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	staging := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	meta := Metadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMeta, 0, len(s.databases)),
	}

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make([]string, 0, len(names)+1)
	for _, name := range names {
		snapshot := filepath.Join(staging, name+".db")
		if err := s.snapshot(s.databases[name], snapshot); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapshot)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := checksumFile(snapshot)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		meta.Databases = append(meta.Databases, DatabaseMeta{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, name+".db")
	}

	metaPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, "backup-metadata.json")

	archiveName := archivePrefix + time.Now().Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, staging, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return err
	}

	info, _ := os.Stat(archivePath)
	s.log.Info().
		Str("archive", archiveName).
		Int("databases", len(meta.Databases)).
		Int64("size_bytes", info.Size()).
		Msg("Backup uploaded")
	return nil
}

// snapshot writes a consistent copy of one database. VACUUM INTO produces a
// compacted snapshot without blocking readers.
func (s *BackupService) snapshot(db *database.DB, dest string) error {
	_, err := db.Exec("VACUUM INTO ?", dest)
	return err
}

// ListBackups returns stored backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveStamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Unparseable backup filename, skipping")
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes backups older than the retention window, always keeping the
// newest few regardless of age. Retention 0 keeps everything.
func (s *BackupService) Rotate(ctx context.Context) error {
	if s.retainDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.retainDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("Rotated old backups")
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archive.Close()

	gz := gzip.NewWriter(archive)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range filenames {
		if err := addFile(tw, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
