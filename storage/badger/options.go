package badger

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/voxflow/storage"
)

// getOptions builds badger options from the store settings.  Recognized settings are
// "path", "in_memory", "read_only", "value_threshold" and "value_log_file_size".
func getOptions(config storage.Config) (path string, opts badger.Options, err error) {
	inMemory, _, err := config.GetBool("in_memory")
	if err != nil {
		return
	}
	var found bool
	if path, found, err = config.GetString("path"); err != nil {
		return
	}
	if inMemory {
		path = "in-memory"
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if !found || path == "" {
			err = fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
			return
		}
		opts = badger.DefaultOptions(path)
	}

	readOnly, found, err := config.GetBool("read_only")
	if err != nil {
		return
	}
	if found {
		opts = opts.WithReadOnly(readOnly)
	}

	valueSizeThresh, found, err := config.GetInt("value_threshold")
	if err != nil {
		return
	}
	if found {
		opts = opts.WithValueThreshold(int64(valueSizeThresh))
	}

	vlogSize, found, err := config.GetInt("value_log_file_size")
	if err != nil {
		return
	}
	if found {
		opts = opts.WithValueLogFileSize(int64(vlogSize))
	}
	opts = opts.WithLogger(logger{}).WithNumVersionsToKeep(1).WithSyncWrites(false)
	return
}
