// Command shardkeep-migrate applies offline schema migrations to a
// shardkeep catalog database, opening the bbolt file directly so it can
// run with the process stopped and without pulling in the full engine.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./shardkeep-data", "Catalog data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/shardkeep.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("shardkeep catalog migration tool - legacy subject_hash backfill")
	log.Println("=================================================================")

	dbPath := filepath.Join(*dataDir, "shardkeep.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := backfillSubjectHashes(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\ndry run completed, no changes made")
		log.Println("run without --dry-run to perform the migration")
	} else {
		log.Println("\nmigration completed successfully")
	}
}

// segmentRecord mirrors just enough of types.Segment's JSON shape to
// detect and backfill the legacy case: articles posted by an earlier
// convention where subject_hash wasn't recorded at all. Decoding
// against a minimal struct, rather than importing pkg/types, keeps this
// tool tolerant of the exact field set stored by whatever catalog
// version wrote the record, per spec's requirement that legacy articles
// remain decodable.
type segmentRecord struct {
	SubjectHash string `json:"subject_hash"`
}

var bucketSegments = []byte("segments")

// backfillSubjectHashes scans the segments bucket for records with an
// empty subject_hash (written before that field existed) and derives
// the same label the current Uploader assigns: "fileID.index.redundancy".
// This keeps legacy articles addressable by subject search without
// re-posting anything.
func backfillSubjectHashes(db *bolt.DB, dryRun bool) error {
	var total, legacy, migrated int

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		if b == nil {
			log.Println("no segments bucket found, nothing to migrate")
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			total++
			var rec segmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Printf("warning: skipping undecodable segment at key %x: %v", k, err)
				return nil
			}
			if rec.SubjectHash == "" {
				legacy++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("found %d segments, %d missing subject_hash", total, legacy)
	if legacy == 0 {
		log.Println("nothing to migrate")
		return nil
	}
	if dryRun {
		log.Println("\n[dry run] would backfill subject_hash for the segments above")
		return nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var raw map[string]interface{}
			if err := json.Unmarshal(v, &raw); err != nil {
				continue
			}
			subject, _ := raw["subject_hash"].(string)
			if subject != "" {
				continue
			}
			fileID, _ := raw["file_id"].(string)
			index, _ := raw["segment_index"].(float64)
			redundancy, _ := raw["redundancy_index"].(float64)
			raw["subject_hash"] = fmt.Sprintf("%s.%d.%d", fileID, int(index), int(redundancy))

			data, err := json.Marshal(raw)
			if err != nil {
				return fmt.Errorf("re-marshal segment at key %x: %w", k, err)
			}
			if err := b.Put(k, data); err != nil {
				return fmt.Errorf("write segment at key %x: %w", k, err)
			}
			migrated++
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("backfilled subject_hash on %d/%d segments", migrated, legacy)
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
