package scan

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

const (
	unknownOriginalPath = "Unknown"
	defaultThreatName   = "Detected by clamscan"
	movedNote           = "Moved automatically by clamscan --move"
)

// Detection is a threat reported during a scan.
type Detection struct {
	Path       string
	ThreatName string
}

// Snapshot lists every regular file under dir, keyed by lower-cased path.
// A missing dir yields an empty snapshot.
func Snapshot(dir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			files[strings.ToLower(path)] = path
		}
		return nil
	})
	return files, err
}

// NewFiles returns the paths present in after but not before, sorted.
func NewFiles(before, after map[string]string) []string {
	var added []string
	for key, path := range after {
		if _, ok := before[key]; !ok {
			added = append(added, path)
		}
	}
	sort.Strings(added)
	return added
}

// QuarantineRecords builds a record per quarantined file, matched to a detection by file name.
func QuarantineRecords(quarantined []string, detections []Detection, now time.Time) []domain.QuarantineRecord {
	records := make([]domain.QuarantineRecord, 0, len(quarantined))
	for _, qpath := range quarantined {
		rec := domain.QuarantineRecord{
			ID:             uuid.NewString(),
			OriginalPath:   unknownOriginalPath,
			QuarantinePath: qpath,
			ThreatName:     defaultThreatName,
			QuarantinedAt:  now,
			Notes:          movedNote,
		}
		if d, ok := matchDetection(qpath, detections); ok {
			rec.OriginalPath = d.Path
			rec.ThreatName = d.ThreatName
		} else if len(detections) > 0 {
			rec.ThreatName = detections[0].ThreatName
		}
		records = append(records, rec)
	}
	return records
}

// matchDetection compares base names case-insensitively.
// clamscan may append a numeric suffix when the name is taken, so "name.001" matches "name".
func matchDetection(qpath string, detections []Detection) (Detection, bool) {
	qname := strings.ToLower(baseName(qpath))
	for _, d := range detections {
		if strings.ToLower(baseName(d.Path)) == qname {
			return d, true
		}
	}
	for _, d := range detections {
		if strings.HasPrefix(qname, strings.ToLower(baseName(d.Path))+".") {
			return d, true
		}
	}
	return Detection{}, false
}

// baseName splits on both separators so Windows-style scanner paths work everywhere.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
