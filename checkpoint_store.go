// Copyright 2025 The Windrose Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package windrose

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const checkpointFilePrefix = "checkpoint-"
const checkpointFileSuffix = ".json"

/*
FileCheckpointStore keeps checkpoints as one JSON file per id in a directory.
Atomicity comes from writing to a uniquely named temp file, fsyncing, then renaming
into place: a reader lists only complete checkpoints, so a crash mid-write leaves at
worst an orphaned temp file that the next Prune sweeps up.
*/
type FileCheckpointStore struct {
	dir string
}

func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (fs *FileCheckpointStore) fileName(id int64) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%s%020d%s", checkpointFilePrefix, id, checkpointFileSuffix))
}

func (fs *FileCheckpointStore) Write(cp *Checkpoint) error {
	data, err := defaultJson.Marshal(cp)
	if err != nil {
		return err
	}
	tmp := filepath.Join(fs.dir, "tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fs.fileName(cp.ID))
}

func (fs *FileCheckpointStore) Latest() (*Checkpoint, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	latest := int64(-1)
	for _, entry := range entries {
		if id, ok := checkpointID(entry.Name()); ok && id > latest {
			latest = id
		}
	}
	if latest < 0 {
		return nil, nil
	}
	data, err := os.ReadFile(fs.fileName(latest))
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{}
	if err = defaultJson.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %d: %w", latest, err)
	}
	return cp, nil
}

func (fs *FileCheckpointStore) Prune(keepID int64) error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "tmp-") {
			os.Remove(filepath.Join(fs.dir, name))
			continue
		}
		if id, ok := checkpointID(name); ok && id < keepID {
			if err := os.Remove(filepath.Join(fs.dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkpointID(name string) (int64, bool) {
	if !strings.HasPrefix(name, checkpointFilePrefix) || !strings.HasSuffix(name, checkpointFileSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, checkpointFilePrefix), checkpointFileSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
