package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/betbot/bothost/internal/domain"
)

// entryCandidates 同一目录内的优先级：python 入口优先于 index.js
var entryCandidates = []struct {
	name    string
	runtime domain.Runtime
}{
	{"main.py", domain.RuntimePython},
	{"__main__.py", domain.RuntimePython},
	{"index.js", domain.RuntimeJavaScript},
}

// FindEntry searches dir for a recognized entry file. Each directory is checked for
// main.py, __main__.py and index.js in that order before its subdirectories are visited
// in lexical order, depth first. Subdirectories deeper than maxDepth levels below dir are
// not visited.
func FindEntry(dir string, maxDepth int) (entryDir, entryFile string, rt domain.Runtime, ok bool) {
	for _, c := range entryCandidates {
		fi, err := os.Stat(filepath.Join(dir, c.name))
		if err == nil && fi.Mode().IsRegular() {
			return dir, c.name, c.runtime, true
		}
	}
	if maxDepth <= 0 {
		return "", "", "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", "", false
	}
	// ReadDir 已按文件名排序，这里显式排序以固定顺序
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if d, f, r, found := FindEntry(filepath.Join(dir, e.Name()), maxDepth-1); found {
			return d, f, r, true
		}
	}
	return "", "", "", false
}

// Describe builds a stopped bot for the item called name directly under root.
// Files must end in .js or .py; directories must contain an entry within maxDepth levels.
func Describe(root, name string, maxDepth int) (domain.Bot, error) {
	path := filepath.Join(root, name)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Bot{}, fmt.Errorf("%w: %s", domain.ErrFileMissing, path)
		}
		return domain.Bot{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if fi.IsDir() {
		dir, file, rt, ok := FindEntry(path, maxDepth)
		if !ok {
			return domain.Bot{}, fmt.Errorf("%w: no main.py, __main__.py or index.js under %s", domain.ErrFileMissing, path)
		}
		return domain.Bot{
			ID:        name,
			Source:    domain.SourceFolder,
			Runtime:   rt,
			Folder:    name,
			EntryDir:  dir,
			EntryFile: file,
			Status:    domain.StatusStopped,
		}, nil
	}

	rt, ok := domain.RuntimeForFile(name)
	if !ok || !fi.Mode().IsRegular() {
		return domain.Bot{}, fmt.Errorf("%w: unsupported bot file %s", domain.ErrFileMissing, path)
	}
	return domain.Bot{
		ID:        name,
		Source:    domain.SourceFile,
		Runtime:   rt,
		EntryDir:  root,
		EntryFile: name,
		Status:    domain.StatusStopped,
	}, nil
}
