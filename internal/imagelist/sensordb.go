package imagelist

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SensorDB maps "Make Model" camera names to sensor widths in millimetres.
type SensorDB struct {
	widths map[string]float64
}

// LoadSensorDB parses an OpenMVG sensor_width_camera_database.txt file:
// one "Make Model;width" record per line. Malformed lines are skipped.
func LoadSensorDB(path string) (*SensorDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sensor database: %w", err)
	}
	defer f.Close()

	db := &SensorDB{widths: make(map[string]float64)}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, width, ok := strings.Cut(strings.TrimSpace(sc.Text()), ";")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(width), 64)
		if err != nil || w <= 0 {
			continue
		}
		db.widths[normalize(name)] = w
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sensor database %s: %w", path, err)
	}
	return db, nil
}

// Len returns the number of camera models.
func (db *SensorDB) Len() int { return len(db.widths) }

// Width returns the sensor width for a camera make and model.
func (db *SensorDB) Width(maker, model string) (float64, bool) {
	w, ok := db.widths[normalize(maker+" "+model)]
	if !ok {
		w, ok = db.widths[normalize(model)]
	}
	return w, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
