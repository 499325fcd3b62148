package engine

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/optim"
)

// checkpointVersion guards against decoding files written by an
// incompatible layout.
const checkpointVersion = 1

// CheckpointError reports a checkpoint that cannot be trusted: corrupt
// encoding or a missing required field. It is always fatal; resuming from
// scratch silently is worse than stopping.
type CheckpointError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %s", e.Path, e.Reason)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Checkpoint is the resumable training state: everything needed to
// continue a run at exactly the point it stopped.
type Checkpoint struct {
	Version   int
	Epoch     int
	Params    map[string]*tensor.Dense
	Optim     optim.State
	Sched     optim.LRState
	TrainLoss float64
	ValLoss   float64
}

// Snapshot is the archival full-model record written alongside
// checkpoints: the architecture description plus weights, enough to
// rebuild the network without the original config file.
type Snapshot struct {
	Version int
	Model   config.ModelConfig
	Params  map[string]*tensor.Dense
}

// SaveCheckpoint persists ck atomically: the record is written to a
// temporary file and renamed into place, so a crash mid-write never
// corrupts an existing checkpoint.
func SaveCheckpoint(path string, ck *Checkpoint) error {
	ck.Version = checkpointVersion
	return writeGob(path, ck)
}

// LoadCheckpoint reads and validates a checkpoint. Any missing required
// field is a CheckpointError.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CheckpointError{Path: path, Reason: "opening", Err: err}
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, &CheckpointError{Path: path, Reason: "decoding", Err: err}
	}
	switch {
	case ck.Version != checkpointVersion:
		return nil, &CheckpointError{Path: path, Reason: fmt.Sprintf("unsupported version %d", ck.Version)}
	case ck.Epoch < 0:
		return nil, &CheckpointError{Path: path, Reason: "negative epoch"}
	case len(ck.Params) == 0:
		return nil, &CheckpointError{Path: path, Reason: "missing model parameters"}
	case ck.Optim.Algo == "":
		return nil, &CheckpointError{Path: path, Reason: "missing optimizer state"}
	case ck.Sched.StepSize <= 0:
		return nil, &CheckpointError{Path: path, Reason: "missing scheduler state"}
	}
	return &ck, nil
}

// SaveSnapshot persists the archival model record with the same atomic
// discipline as checkpoints.
func SaveSnapshot(path string, snap *Snapshot) error {
	snap.Version = checkpointVersion
	return writeGob(path, snap)
}

// LoadSnapshot reads an archival model record.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CheckpointError{Path: path, Reason: "opening", Err: err}
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, &CheckpointError{Path: path, Reason: "decoding", Err: err}
	}
	if len(snap.Params) == 0 {
		return nil, &CheckpointError{Path: path, Reason: "missing model parameters"}
	}
	return &snap, nil
}

// FindLatestCheckpoint returns the checkpoint with the highest epoch in
// dir, matching the <epoch>_checkpoint.gob naming convention.
func FindLatestCheckpoint(dir string) (string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "engine: reading checkpoint dir %s", dir)
	}
	best := -1
	var bestPath string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, "_checkpoint.gob") {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimSuffix(name, "_checkpoint.gob"))
		if err != nil {
			continue
		}
		if epoch > best {
			best = epoch
			bestPath = filepath.Join(dir, name)
		}
	}
	if best < 0 {
		return "", errors.Errorf("engine: no checkpoint found in %s", dir)
	}
	return bestPath, nil
}

// writeGob encodes v to path with write-then-rename.
func writeGob(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "engine: creating %s", filepath.Dir(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "engine: creating temp file")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "engine: encoding %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "engine: closing %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "engine: renaming into %s", path)
}
