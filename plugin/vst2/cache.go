// Package vst2 hosts VST2 plugins. Libraries are found by Cache, loading
// them requires the vst2 build tag and the VST SDK.
package vst2

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/log"
)

// URIPrefix is the prefix of VST2 plugin ids in node descriptions. The
// rest of the id is a library name or a path.
const URIPrefix = "vst2:"

// Cache is a list of VST2 libraries found in scan paths.
type Cache struct {
	Paths  []string
	Libs   Libraries
	logger logrus.FieldLogger
}

// Libraries are library files grouped by directory and keyed by name.
type Libraries map[string]map[string]string

// NewCache scans default paths and provided ones.
func NewCache(logger logrus.FieldLogger, paths ...string) *Cache {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Cache{
		Paths:  uniquePaths(append(DefaultScanPaths(), paths...)),
		logger: logger,
	}
	c.Load()
	return c
}

// Load rescans paths.
func (c *Cache) Load() {
	c.Libs = make(Libraries)
	for _, path := range c.Paths {
		if err := filepath.WalkDir(path, c.walk); err != nil {
			c.logger.WithError(err).WithField("path", path).Warn("scan failed")
		}
	}
}

func (c *Cache) walk(path string, d fs.DirEntry, err error) error {
	if err != nil {
		c.logger.WithError(err).Debug("skip path")
		return nil
	}
	if !strings.HasSuffix(d.Name(), FileExtension()) {
		return nil
	}
	dir := filepath.Dir(path)
	if _, ok := c.Libs[dir]; !ok {
		c.Libs[dir] = make(map[string]string)
	}
	c.Libs[dir][strings.TrimSuffix(d.Name(), FileExtension())] = path
	// darwin libraries are bundles.
	if d.IsDir() {
		return fs.SkipDir
	}
	return nil
}

// Path resolves plugin id to the library path. Id is either a library
// name or a path to existing library.
func (c *Cache) Path(id string) (string, error) {
	id = strings.TrimPrefix(id, URIPrefix)
	if strings.ContainsRune(id, os.PathSeparator) {
		if _, err := os.Stat(id); err != nil {
			return "", err
		}
		return id, nil
	}
	for _, dir := range c.dirs() {
		if path, ok := c.Libs[dir][id]; ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("vst2 library %q isn't found in %v", id, c.Paths)
}

func (c *Cache) dirs() []string {
	dirs := make([]string, 0, len(c.Libs))
	for dir := range c.Libs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func (c *Cache) String() string {
	var buf bytes.Buffer
	buf.WriteString("Scan paths:\n")
	for _, path := range c.Paths {
		fmt.Fprintf(&buf, "\t%v\n", path)
	}
	buf.WriteString("Available plugins:\n")
	if len(c.Libs) == 0 {
		buf.WriteString("\t[No plugins found]\n")
	}
	for _, dir := range c.dirs() {
		fmt.Fprintf(&buf, "\t%v\n", dir)
		names := make([]string, 0, len(c.Libs[dir]))
		for name := range c.Libs[dir] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&buf, "\t\t%v\n", name)
		}
	}
	return buf.String()
}

// DefaultScanPaths returns platform-specific plugin directories.
func DefaultScanPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"~/Library/Audio/Plug-Ins/VST",
			"/Library/Audio/Plug-Ins/VST",
		}
	case "windows":
		paths := []string{
			"C:\\Program Files (x86)\\Steinberg\\VSTPlugins",
			"C:\\Program Files\\Steinberg\\VSTPlugins",
		}
		if env := os.Getenv("VST_PATH"); env != "" {
			paths = append(paths, env)
		}
		return paths
	}
	if env := os.Getenv("VST_PATH"); env != "" {
		return filepath.SplitList(env)
	}
	return nil
}

// FileExtension returns platform-specific extension of libraries.
func FileExtension() string {
	switch runtime.GOOS {
	case "darwin":
		return ".vst"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

func uniquePaths(paths []string) []string {
	u := make([]string, 0, len(paths))
	m := make(map[string]struct{})
	for _, p := range paths {
		if _, ok := m[p]; !ok {
			m[p] = struct{}{}
			u = append(u, p)
		}
	}
	return u
}
