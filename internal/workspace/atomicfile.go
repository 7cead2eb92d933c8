package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/treksavvysky/orcaops/internal/gerror"
)

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed marshaling workspace", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-"+strconv.Itoa(os.Getpid()))
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed creating temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return gerror.NewErrPersistenceFailed("failed writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return gerror.NewErrPersistenceFailed("failed closing temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return gerror.NewErrPersistenceFailed("failed renaming temp file into place", err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return gerror.NewErrNotFound("no record at " + path)
		}
		return gerror.NewErrPersistenceFailed("failed reading record", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return gerror.NewErrPersistenceFailed("failed parsing record", err)
	}
	return nil
}
