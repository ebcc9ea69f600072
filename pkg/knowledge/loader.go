package knowledge

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
	"github.com/pelletier/go-toml/v2"
)

// LoaderConfig mirrors knowdb.toml v2.
type LoaderConfig struct {
	Version int    `toml:"version"`
	BaseDir string `toml:"base_dir"`
	Default struct {
		Transaction bool   `toml:"transaction"`
		BatchSize   int    `toml:"batch_size"`
		OnError     string `toml:"on_error"`
	} `toml:"default"`
	CSV struct {
		HasHeader bool   `toml:"has_header"`
		Delimiter string `toml:"delimiter"`
		Encoding  string `toml:"encoding"`
		Trim      bool   `toml:"trim"`
	} `toml:"csv"`
	Tables []TableConfig `toml:"tables"`
}

type TableConfig struct {
	Name    string `toml:"name"`
	Dir     string `toml:"dir"`
	DataFile string `toml:"data_file"`
	Columns  struct {
		ByHeader []string `toml:"by_header"`
		ByIndex  []int    `toml:"by_index"`
	} `toml:"columns"`
	ExpectedRows struct {
		Min     int  `toml:"min"`
		Max     int  `toml:"max"`
		Enabled bool `toml:"enabled"`
	} `toml:"expected_rows"`
}

// LoadConfig reads and parses a knowdb.toml v2 file.
func LoadConfig(path string) (*LoaderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	var cfg LoaderConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("knowledge: parse %s: %w", path, err)
	}
	if cfg.Version != 2 {
		return nil, fmt.Errorf("knowledge: unsupported knowdb.toml version %d", cfg.Version)
	}
	if cfg.Default.BatchSize == 0 {
		cfg.Default.BatchSize = 2000
	}
	if cfg.Default.OnError == "" {
		cfg.Default.OnError = "fail"
	}
	if cfg.CSV.Delimiter == "" {
		cfg.CSV.Delimiter = ","
	}
	return &cfg, nil
}

// Import runs the table import protocol for every declared
// table, writing into p's authority bbolt store. bbolt has no SQL
// executor, so create.sql/clean.sql are honored as presence markers only:
// their existence on disk still gates the import (a missing create.sql is
// an error), but the actual effect is "ensure bucket" / "clear bucket"
// rather than executing their text — row storage is JSON, not SQL DML.
func (p *Provider) Import(cfg *LoaderConfig, configDir string) error {
	baseDir := filepath.Join(configDir, cfg.BaseDir)
	for _, t := range cfg.Tables {
		if err := p.importTable(cfg, baseDir, t); err != nil {
			return fmt.Errorf("knowledge: import table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (p *Provider) importTable(cfg *LoaderConfig, baseDir string, t TableConfig) error {
	dir := t.Dir
	if dir == "" {
		dir = t.Name
	}
	tableDir := filepath.Join(baseDir, dir)

	if _, err := os.Stat(filepath.Join(tableDir, "create.sql")); err != nil {
		return fmt.Errorf("missing create.sql: %w", err)
	}

	dataFile := t.DataFile
	if dataFile == "" {
		dataFile = "data.csv"
	}
	if cfg.CSV.Encoding != "" && cfg.CSV.Encoding != "utf-8" {
		return fmt.Errorf("encoding %q not supported, only utf-8", cfg.CSV.Encoding)
	}

	f, err := os.Open(filepath.Join(tableDir, dataFile))
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	delim := []rune(cfg.CSV.Delimiter)
	if len(delim) == 1 {
		r.Comma = delim[0]
	}
	r.FieldsPerRecord = -1

	var header []string
	if cfg.CSV.HasHeader {
		header, err = r.Read()
		if err != nil {
			return fmt.Errorf("reading header: %w", err)
		}
	}

	colIdx, colNames, err := resolveColumns(t, header)
	if err != nil {
		return err
	}

	rowCount := 0
	badCount := 0
	err = p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(t.Name))
		if err != nil {
			return err
		}
		if err := b.ForEach(func(k, _ []byte) error { return b.Delete(k) }); err != nil {
			return err
		}

		idx := 0
		for {
			record, rerr := r.Read()
			if rerr != nil {
				break
			}
			row := make(map[string]any, len(colNames))
			ok := true
			for i, ci := range colIdx {
				if ci >= len(record) {
					ok = false
					break
				}
				val := record[ci]
				if cfg.CSV.Trim {
					val = strings.TrimSpace(val)
				}
				row[colNames[i]] = val
			}
			if !ok {
				badCount++
				if cfg.Default.OnError == "fail" {
					return fmt.Errorf("malformed row %d", idx)
				}
				idx++
				continue
			}
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(TableKey(idx), data); err != nil {
				return err
			}
			idx++
			rowCount++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if t.ExpectedRows.Enabled {
		if rowCount < t.ExpectedRows.Min {
			return fmt.Errorf("table %s: imported %d rows, below min %d", t.Name, rowCount, t.ExpectedRows.Min)
		}
		if t.ExpectedRows.Max > 0 && rowCount > t.ExpectedRows.Max {
			fmt.Fprintf(os.Stderr, "knowledge: table %s: imported %d rows, above max %d\n", t.Name, rowCount, t.ExpectedRows.Max)
		}
	}
	return nil
}

func resolveColumns(t TableConfig, header []string) (idx []int, names []string, err error) {
	if len(t.Columns.ByHeader) > 0 {
		if header == nil {
			return nil, nil, fmt.Errorf("columns.by_header requires a CSV header")
		}
		pos := make(map[string]int, len(header))
		for i, h := range header {
			pos[strings.TrimSpace(h)] = i
		}
		for _, name := range t.Columns.ByHeader {
			i, ok := pos[name]
			if !ok {
				return nil, nil, fmt.Errorf("column %q not found in header", name)
			}
			idx = append(idx, i)
			names = append(names, name)
		}
		return idx, names, nil
	}
	if len(t.Columns.ByIndex) > 0 {
		for i, ci := range t.Columns.ByIndex {
			idx = append(idx, ci)
			names = append(names, fmt.Sprintf("col%d", i))
		}
		return idx, names, nil
	}
	return nil, nil, fmt.Errorf("table %s: must declare columns.by_header or columns.by_index", t.Name)
}
