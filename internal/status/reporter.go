package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Reporter writes a run's Report to disk.
type Reporter struct {
	path     string
	promPath string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewReporter creates a reporter writing JSON to path. If promPath is set
// and g is non-nil, the gathered metrics are also written there in the
// Prometheus text format.
func NewReporter(path, promPath string, g prometheus.Gatherer, logger *slog.Logger) *Reporter {
	return &Reporter{
		path:     path,
		promPath: promPath,
		gatherer: g,
		logger:   logger,
	}
}

// Path returns the JSON status path.
func (r *Reporter) Path() string {
	return r.path
}

// Write persists rep, replacing any previous file. Failures are logged at
// error level and returned; they never affect running workers.
func (r *Reporter) Write(rep *Report) error {
	var errs []error

	data, err := json.MarshalIndent(rep, "", "  ")
	if err == nil {
		err = writeFileAtomic(r.path, append(data, '\n'))
	}
	if err != nil {
		r.logger.Error("status_write_failed", "path", r.path, "error", err)
		errs = append(errs, fmt.Errorf("status %s: %w", r.path, err))
	} else {
		r.logger.Info("status_written",
			"path", r.path,
			"run_id", rep.RunID,
			"deployed", rep.Deployed,
			"failed", rep.Failed,
			"running", rep.Running,
		)
	}

	if r.promPath != "" && r.gatherer != nil {
		if err := r.writeTextfile(); err != nil {
			r.logger.Error("status_textfile_failed", "path", r.promPath, "error", err)
			errs = append(errs, fmt.Errorf("textfile %s: %w", r.promPath, err))
		}
	}

	return errors.Join(errs...)
}

func (r *Reporter) writeTextfile() error {
	families, err := r.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeText(&buf, families); err != nil {
		return err
	}
	return writeFileAtomic(r.promPath, buf.Bytes())
}

func encodeText(buf *bytes.Buffer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Read loads a report written by Write.
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &rep, nil
}

// writeFileAtomic writes data to a temp file beside path and renames it
// into place, so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
