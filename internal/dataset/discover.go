package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns the shard TAR files beneath root in lexical order.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverSplits scans the training and validation roots. An empty
// valRoot yields no validation shards. Each root must hold at least one
// shard.
func DiscoverSplits(trainRoot, valRoot string) (train, val []string, err error) {
	train, err = DiscoverShards(trainRoot)
	if err != nil {
		return nil, nil, err
	}
	if len(train) == 0 {
		return nil, nil, fmt.Errorf("no shards discovered under %s", trainRoot)
	}
	if valRoot == "" {
		return train, nil, nil
	}
	val, err = DiscoverShards(valRoot)
	if err != nil {
		return nil, nil, err
	}
	if len(val) == 0 {
		return nil, nil, fmt.Errorf("no shards discovered under %s", valRoot)
	}
	return train, val, nil
}
